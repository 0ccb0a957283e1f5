package glrender

/*
#cgo pkg-config: egl glesv2

#include <stdlib.h>
#include <string.h>
#include <EGL/egl.h>
#include <EGL/eglext.h>
#include <GLES2/gl2.h>
#include <GLES2/gl2ext.h>
#include <GLES3/gl3.h>

static PFNEGLCREATEIMAGEKHRPROC pEglCreateImageKHR;
static PFNEGLDESTROYIMAGEKHRPROC pEglDestroyImageKHR;
static PFNGLEGLIMAGETARGETTEXTURE2DOESPROC pGlEGLImageTargetTexture2DOES;

static void load_egl_ext_procs(void) {
	pEglCreateImageKHR = (PFNEGLCREATEIMAGEKHRPROC)eglGetProcAddress("eglCreateImageKHR");
	pEglDestroyImageKHR = (PFNEGLDESTROYIMAGEKHRPROC)eglGetProcAddress("eglDestroyImageKHR");
	pGlEGLImageTargetTexture2DOES = (PFNGLEGLIMAGETARGETTEXTURE2DOESPROC)eglGetProcAddress("glEGLImageTargetTexture2DOES");
}

static EGLImageKHR create_dma_buf_image(EGLDisplay dpy, int fd, int w, int h,
	unsigned int fourcc, uint32_t offset0, uint32_t pitch0) {
	EGLint attrs[] = {
		EGL_WIDTH, w,
		EGL_HEIGHT, h,
		EGL_LINUX_DRM_FOURCC_EXT, (EGLint)fourcc,
		EGL_DMA_BUF_PLANE0_FD_EXT, fd,
		EGL_DMA_BUF_PLANE0_OFFSET_EXT, (EGLint)offset0,
		EGL_DMA_BUF_PLANE0_PITCH_EXT, (EGLint)pitch0,
		EGL_NONE,
	};
	if (!pEglCreateImageKHR) {
		return EGL_NO_IMAGE_KHR;
	}
	return pEglCreateImageKHR(dpy, EGL_NO_CONTEXT, EGL_LINUX_DMA_BUF_EXT, (EGLClientBuffer)NULL, attrs);
}

static void destroy_image(EGLDisplay dpy, EGLImageKHR img) {
	if (pEglDestroyImageKHR && img != EGL_NO_IMAGE_KHR) {
		pEglDestroyImageKHR(dpy, img);
	}
}

static void bind_image_to_texture(EGLImageKHR img) {
	if (pGlEGLImageTargetTexture2DOES) {
		pGlEGLImageTargetTexture2DOES(GL_TEXTURE_EXTERNAL_OES, img);
	}
}

static GLuint compile_shader(GLenum type, const char *src) {
	GLuint s = glCreateShader(type);
	glShaderSource(s, 1, &src, NULL);
	glCompileShader(s);
	GLint ok = 0;
	glGetShaderiv(s, GL_COMPILE_STATUS, &ok);
	if (!ok) {
		glDeleteShader(s);
		return 0;
	}
	return s;
}

static GLuint link_program(GLuint vs, GLuint fs) {
	GLuint p = glCreateProgram();
	glAttachShader(p, vs);
	glAttachShader(p, fs);
	glBindAttribLocation(p, 0, "a_position");
	glBindAttribLocation(p, 1, "a_texcoord");
	glLinkProgram(p);
	GLint ok = 0;
	glGetProgramiv(p, GL_LINK_STATUS, &ok);
	if (!ok) {
		glDeleteProgram(p);
		return 0;
	}
	return p;
}
*/
import "C"

import (
	"fmt"
	"log"
	"time"
	"unsafe"
)

const (
	vertexShaderSrc = `
attribute vec2 a_position;
attribute vec2 a_texcoord;
uniform mat4 u_keystone;
uniform mat4 u_mvp;
uniform float u_yflip;
varying vec2 v_texcoord;
void main() {
	vec4 p = u_mvp * (u_keystone * vec4(a_position, 0.0, 1.0));
	gl_Position = p;
	vec2 tc = a_texcoord;
	if (u_yflip > 0.5) {
		tc.y = 1.0 - tc.y;
	}
	v_texcoord = tc;
}
`

	// BT.709 TV-range YUV->RGB, matching spec.md §4.2's shader contract
	// exactly: TV-range expansion followed by the BT.709 coefficients.
	planarFragmentShaderSrc = `
precision mediump float;
varying vec2 v_texcoord;
uniform sampler2D u_texY;
uniform sampler2D u_texU;
uniform sampler2D u_texV;
void main() {
	float y = (texture2D(u_texY, v_texcoord).r * 255.0 - 16.0) / 219.0;
	float u = (texture2D(u_texU, v_texcoord).r * 255.0 - 16.0) / 224.0 - 0.5;
	float v = (texture2D(u_texV, v_texcoord).r * 255.0 - 16.0) / 224.0 - 0.5;
	float r = y + 1.5748 * v;
	float g = y - 0.1873 * u - 0.4681 * v;
	float b = y + 1.8556 * u;
	gl_FragColor = vec4(clamp(vec3(r, g, b), 0.0, 1.0), 1.0);
}
`

	externalFragmentShaderSrc = `
#extension GL_OES_EGL_image_external : require
precision mediump float;
varying vec2 v_texcoord;
uniform samplerExternalOES u_texExternal;
void main() {
	gl_FragColor = texture2D(u_texExternal, v_texcoord);
}
`
)

// texSet is the GL state for one stream's textures: three single-channel
// planar textures, allocated at startup, plus one external-OES texture
// created on the first DMA import; both sets stay allocated side by side,
// kept independent per stream so switching the active
// video index never flushes the other stream's state (spec.md §4.2).
type texSet struct {
	y, u, v  C.GLuint
	external C.GLuint
	allocW   int
	allocH   int
	images   ImageRing
}

// Renderer owns the EGL context, compiled programs, geometry, and the two
// per-stream texture sets. It is the sole GL/EGL caller in the process
// (spec.md §5): only ever touched from the presenter's thread.
type Renderer struct {
	dpy     C.EGLDisplay
	surface C.EGLSurface
	ctx     C.EGLContext

	planarProgram   C.GLuint
	externalProgram C.GLuint
	vbo, ebo        C.GLuint

	streams [2]texSet

	display swapBackend
}

// swapBackend is satisfied by display.Device and simulator.Device; kept
// minimal so glrender never imports the display package directly (it only
// needs the post-eglSwapBuffers scanout step).
type swapBackend interface {
	Swap() error
}

// New creates an EGL context on the given GBM native display/window
// (as returned by display.Device.GBMDevice/GBMSurface) and compiles both
// shader programs.
func New(gbmNativeDisplay, gbmNativeWindow unsafe.Pointer, backend swapBackend) (*Renderer, error) {
	dpy := C.eglGetDisplay(C.EGLNativeDisplayType(gbmNativeDisplay))
	if dpy == C.EGL_NO_DISPLAY {
		return nil, fmt.Errorf("glrender: eglGetDisplay failed")
	}
	var major, minor C.EGLint
	if C.eglInitialize(dpy, &major, &minor) == C.EGL_FALSE {
		return nil, fmt.Errorf("glrender: eglInitialize failed")
	}

	attribs := []C.EGLint{
		C.EGL_SURFACE_TYPE, C.EGL_WINDOW_BIT,
		C.EGL_RENDERABLE_TYPE, C.EGL_OPENGL_ES2_BIT,
		C.EGL_RED_SIZE, 8, C.EGL_GREEN_SIZE, 8, C.EGL_BLUE_SIZE, 8,
		C.EGL_NONE,
	}
	var cfg C.EGLConfig
	var numCfg C.EGLint
	if C.eglChooseConfig(dpy, &attribs[0], &cfg, 1, &numCfg) == C.EGL_FALSE || numCfg == 0 {
		return nil, fmt.Errorf("glrender: eglChooseConfig failed")
	}

	ctxAttribs := []C.EGLint{C.EGL_CONTEXT_CLIENT_VERSION, 2, C.EGL_NONE}
	ctx := C.eglCreateContext(dpy, cfg, C.EGL_NO_CONTEXT, &ctxAttribs[0])
	if ctx == C.EGL_NO_CONTEXT {
		return nil, fmt.Errorf("glrender: eglCreateContext failed")
	}

	surface := C.eglCreateWindowSurface(dpy, cfg, C.EGLNativeWindowType(gbmNativeWindow), nil)
	if surface == C.EGL_NO_SURFACE {
		return nil, fmt.Errorf("glrender: eglCreateWindowSurface failed")
	}

	if C.eglMakeCurrent(dpy, surface, surface, ctx) == C.EGL_FALSE {
		return nil, fmt.Errorf("glrender: eglMakeCurrent failed")
	}

	C.load_egl_ext_procs()

	r := &Renderer{dpy: dpy, surface: surface, ctx: ctx, display: backend}
	if err := r.compilePrograms(); err != nil {
		return nil, err
	}
	r.setupGeometry()
	for i := range r.streams {
		r.allocatePlanarTextures(&r.streams[i])
	}
	return r, nil
}

func (r *Renderer) compilePrograms() error {
	vs := C.compile_shader(C.GL_VERTEX_SHADER, C.CString(vertexShaderSrc))
	if vs == 0 {
		return fmt.Errorf("glrender: vertex shader compile failed")
	}
	planarFS := C.compile_shader(C.GL_FRAGMENT_SHADER, C.CString(planarFragmentShaderSrc))
	if planarFS == 0 {
		return fmt.Errorf("glrender: planar fragment shader compile failed")
	}
	externalFS := C.compile_shader(C.GL_FRAGMENT_SHADER, C.CString(externalFragmentShaderSrc))
	if externalFS == 0 {
		return fmt.Errorf("glrender: external fragment shader compile failed")
	}

	r.planarProgram = C.link_program(vs, planarFS)
	if r.planarProgram == 0 {
		return fmt.Errorf("glrender: planar program link failed")
	}
	r.externalProgram = C.link_program(vs, externalFS)
	if r.externalProgram == 0 {
		return fmt.Errorf("glrender: external program link failed")
	}
	return nil
}

// quad vertices: position.xy in [-1,1], texcoord.xy in [0,1].
var quadVertices = [16]float32{
	-1, -1, 0, 1,
	1, -1, 1, 1,
	1, 1, 1, 0,
	-1, 1, 0, 0,
}
var quadIndices = [6]uint16{0, 1, 2, 0, 2, 3}

func (r *Renderer) setupGeometry() {
	C.glGenBuffers(1, &r.vbo)
	C.glBindBuffer(C.GL_ARRAY_BUFFER, r.vbo)
	C.glBufferData(C.GL_ARRAY_BUFFER, C.GLsizeiptr(unsafe.Sizeof(quadVertices)), unsafe.Pointer(&quadVertices[0]), C.GL_STATIC_DRAW)

	C.glGenBuffers(1, &r.ebo)
	C.glBindBuffer(C.GL_ELEMENT_ARRAY_BUFFER, r.ebo)
	C.glBufferData(C.GL_ELEMENT_ARRAY_BUFFER, C.GLsizeiptr(unsafe.Sizeof(quadIndices)), unsafe.Pointer(&quadIndices[0]), C.GL_STATIC_DRAW)
}

func (r *Renderer) allocatePlanarTextures(ts *texSet) {
	C.glGenTextures(1, &ts.y)
	C.glGenTextures(1, &ts.u)
	C.glGenTextures(1, &ts.v)
	for _, tex := range []C.GLuint{ts.y, ts.u, ts.v} {
		C.glBindTexture(C.GL_TEXTURE_2D, tex)
		C.glTexParameteri(C.GL_TEXTURE_2D, C.GL_TEXTURE_MIN_FILTER, C.GL_LINEAR)
		C.glTexParameteri(C.GL_TEXTURE_2D, C.GL_TEXTURE_MAG_FILTER, C.GL_LINEAR)
		C.glTexParameteri(C.GL_TEXTURE_2D, C.GL_TEXTURE_WRAP_S, C.GL_CLAMP_TO_EDGE)
		C.glTexParameteri(C.GL_TEXTURE_2D, C.GL_TEXTURE_WRAP_T, C.GL_CLAMP_TO_EDGE)
	}
}

func (r *Renderer) bindQuad(program C.GLuint) {
	C.glUseProgram(program)
	C.glBindBuffer(C.GL_ARRAY_BUFFER, r.vbo)
	C.glBindBuffer(C.GL_ELEMENT_ARRAY_BUFFER, r.ebo)
	const stride = 4 * 4
	C.glEnableVertexAttribArray(0)
	C.glVertexAttribPointer(0, 2, C.GL_FLOAT, C.GL_FALSE, stride, unsafe.Pointer(uintptr(0)))
	C.glEnableVertexAttribArray(1)
	C.glVertexAttribPointer(1, 2, C.GL_FLOAT, C.GL_FALSE, stride, unsafe.Pointer(uintptr(2*4)))
}

func setMatrixUniform(program C.GLuint, name string, m [16]float32) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	loc := C.glGetUniformLocation(program, (*C.GLchar)(unsafe.Pointer(cname)))
	C.glUniformMatrix4fv(loc, 1, C.GL_FALSE, (*C.GLfloat)(unsafe.Pointer(&m[0])))
}

// RenderYUVPlanar uploads three planar textures and draws the keystoned
// quad for the given video index (0 or 1). Stride-compacted copies happen
// when stride != width, matching spec.md §4.2's upload contract.
func (r *Renderer) RenderYUVPlanar(y, u, v []byte, yStride, uStride, vStride, w, h int, keystone, aspectMVP [16]float32, videoIndex int, clear bool) error {
	if clear {
		C.glClearColor(0, 0, 0, 1)
		C.glClear(C.GL_COLOR_BUFFER_BIT)
	}
	ts := &r.streams[videoIndex]
	uploadPlane(ts.y, y, yStride, w, h, ts.allocW != w || ts.allocH != h)
	uploadPlane(ts.u, u, uStride, w/2, h/2, ts.allocW != w || ts.allocH != h)
	uploadPlane(ts.v, v, vStride, w/2, h/2, ts.allocW != w || ts.allocH != h)
	ts.allocW, ts.allocH = w, h

	r.bindQuad(r.planarProgram)
	setMatrixUniform(r.planarProgram, "u_keystone", keystone)
	setMatrixUniform(r.planarProgram, "u_mvp", aspectMVP)
	setYFlip(r.planarProgram, 1)

	bindSampler(r.planarProgram, "u_texY", 0, ts.y)
	bindSampler(r.planarProgram, "u_texU", 1, ts.u)
	bindSampler(r.planarProgram, "u_texV", 2, ts.v)

	C.glDrawElements(C.GL_TRIANGLES, 6, C.GL_UNSIGNED_SHORT, nil)
	return nil
}

// uploadPlane compacts stride!=width rows into a tight buffer (a plain Go
// copy loop stands in for the teacher-era "SIMD memcpy fallback" -- no pack
// example exposes a SIMD intrinsic binding, so the portable copy is used)
// and uploads via glTexSubImage2D, reallocating storage with
// glTexStorage2D only when the resolution changed.
func uploadPlane(tex C.GLuint, data []byte, stride, width, height int, realloc bool) {
	C.glBindTexture(C.GL_TEXTURE_2D, tex)
	if realloc {
		C.glTexStorage2D(C.GL_TEXTURE_2D, 1, C.GL_R8, C.GLsizei(width), C.GLsizei(height))
	}
	if len(data) == 0 {
		return
	}
	if stride == width {
		C.glTexSubImage2D(C.GL_TEXTURE_2D, 0, 0, 0, C.GLsizei(width), C.GLsizei(height),
			C.GL_RED, C.GL_UNSIGNED_BYTE, unsafe.Pointer(&data[0]))
		return
	}
	compact := make([]byte, width*height)
	for row := 0; row < height; row++ {
		copy(compact[row*width:(row+1)*width], data[row*stride:row*stride+width])
	}
	C.glTexSubImage2D(C.GL_TEXTURE_2D, 0, 0, 0, C.GLsizei(width), C.GLsizei(height),
		C.GL_RED, C.GL_UNSIGNED_BYTE, unsafe.Pointer(&compact[0]))
}

func bindSampler(program C.GLuint, name string, unit int, tex C.GLuint) {
	C.glActiveTexture(C.GLenum(C.GL_TEXTURE0 + unit))
	C.glBindTexture(C.GL_TEXTURE_2D, tex)
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	loc := C.glGetUniformLocation(program, (*C.GLchar)(unsafe.Pointer(cname)))
	C.glUniform1i(loc, C.GLint(unit))
}

func setYFlip(program C.GLuint, v float32) {
	cname := C.CString("u_yflip")
	defer C.free(unsafe.Pointer(cname))
	loc := C.glGetUniformLocation(program, (*C.GLchar)(unsafe.Pointer(cname)))
	C.glUniform1f(loc, C.GLfloat(v))
}

// drmFormatYUV420 mirrors display.drmFormatYUV420 without an import cycle
// (glrender only needs the fourcc value for eglCreateImageKHR attributes).
const drmFormatYUV420 = 0x32315559

// RenderYUVDMAExternal imports fd as a single multi-plane EGLImage bound to
// an external-sampler texture and draws the keystoned quad. On NO_IMAGE
// (import failure) it returns an error so the caller falls back to the
// planar path on the next frame, per spec.md §4.2's error contract.
func (r *Renderer) RenderYUVDMAExternal(fd int, offset0 uint32, pitch0 uint32, w, h int, keystone, aspectMVP [16]float32, videoIndex int, clear bool) error {
	ts := &r.streams[videoIndex]
	img := C.create_dma_buf_image(r.dpy, C.int(fd), C.int(w), C.int(h), C.uint(drmFormatYUV420), C.uint32_t(offset0), C.uint32_t(pitch0))
	if img == C.EGL_NO_IMAGE_KHR {
		return fmt.Errorf("glrender: eglCreateImageKHR returned NO_IMAGE")
	}

	if ts.external == 0 {
		C.glGenTextures(1, &ts.external)
	}
	C.glBindTexture(C.GL_TEXTURE_EXTERNAL_OES, ts.external)
	C.glTexParameteri(C.GL_TEXTURE_EXTERNAL_OES, C.GL_TEXTURE_MIN_FILTER, C.GL_LINEAR)
	C.glTexParameteri(C.GL_TEXTURE_EXTERNAL_OES, C.GL_TEXTURE_MAG_FILTER, C.GL_LINEAR)
	C.bind_image_to_texture(img)

	if clear {
		C.glClearColor(0, 0, 0, 1)
		C.glClear(C.GL_COLOR_BUFFER_BIT)
	}

	r.bindQuad(r.externalProgram)
	setMatrixUniform(r.externalProgram, "u_keystone", keystone)
	setMatrixUniform(r.externalProgram, "u_mvp", aspectMVP)
	setYFlip(r.externalProgram, 1)

	C.glActiveTexture(C.GL_TEXTURE0)
	C.glBindTexture(C.GL_TEXTURE_EXTERNAL_OES, ts.external)
	cname := C.CString("u_texExternal")
	defer C.free(unsafe.Pointer(cname))
	loc := C.glGetUniformLocation(r.externalProgram, (*C.GLchar)(unsafe.Pointer(cname)))
	C.glUniform1i(loc, 0)

	C.glDrawElements(C.GL_TRIANGLES, 6, C.GL_UNSIGNED_SHORT, nil)

	if toDestroy, ok := ts.images.Advance(uintptr(unsafe.Pointer(img))); ok {
		C.destroy_image(r.dpy, C.EGLImageKHR(unsafe.Pointer(toDestroy)))
	}
	return nil
}

// Swap issues eglSwapBuffers then the display backend's own swap (pageflip
// or SDL2 present). Logs a warning when the two together take longer than
// swapWarnLatency (a missed vblank window).
func (r *Renderer) Swap() error {
	start := time.Now()
	if C.eglSwapBuffers(r.dpy, r.surface) == C.EGL_FALSE {
		return fmt.Errorf("glrender: eglSwapBuffers failed")
	}
	err := r.display.Swap()
	if d := time.Since(start); d > swapWarnLatency {
		log.Printf("glrender: swap took %v (over %v)", d, swapWarnLatency)
	}
	return err
}

const swapWarnLatency = 20 * time.Millisecond

// Close tears down every EGLImage still held, then the EGL context.
func (r *Renderer) Close() {
	for i := range r.streams {
		for _, img := range r.streams[i].images.DrainAll() {
			C.destroy_image(r.dpy, C.EGLImageKHR(unsafe.Pointer(img)))
		}
	}
	C.eglMakeCurrent(r.dpy, C.EGL_NO_SURFACE, C.EGL_NO_SURFACE, C.EGL_NO_CONTEXT)
	C.eglDestroySurface(r.dpy, r.surface)
	C.eglDestroyContext(r.dpy, r.ctx)
	C.eglTerminate(r.dpy)
}
