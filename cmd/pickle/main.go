// Command pickle plays up to two H.264/MP4 streams simultaneously on one
// DRM/KMS output, each independently four-corner keystone corrected,
// running directly on the console with no display server (spec.md §1).
//
// Usage: pickle <video1.mp4> [video2.mp4]
//
// CLI argument parsing beyond this positional form, and reading an input
// device for the runtime command stream, are both explicitly out of scope
// (spec.md §1, §6) -- this binary wires the core packages together and
// leaves those two seams as thin stubs.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sys/unix"

	"github.com/mjdilworth/pickle/internal/asyncworker"
	"github.com/mjdilworth/pickle/internal/command"
	"github.com/mjdilworth/pickle/internal/decoder"
	"github.com/mjdilworth/pickle/internal/display"
	"github.com/mjdilworth/pickle/internal/glrender"
	"github.com/mjdilworth/pickle/internal/kmsworker"
	"github.com/mjdilworth/pickle/internal/presenter"
	"github.com/mjdilworth/pickle/internal/streampair"
)

const (
	defaultKeystoneConfig  = "pickle_keystone.conf"
	defaultKeystoneConfig2 = "pickle_keystone2.conf"
	defaultDRMDevice       = "/dev/dri/card0"
	presenterCPU           = 0
	primaryDecoderCPU      = 2
	secondaryDecoderCPU    = 3
)

// PlayerConfig is the translation of the recognized PICKLE_* environment
// variables into a plain struct; cmd/pickle is the only place that reads
// them (spec.md §2/§6), so the core packages never call os.Getenv.
type PlayerConfig struct {
	ForceSyncHW     bool
	EnablePBO       bool
	ShowTiming      bool
	KeystoneConfig  string
	KeystoneConfig2 string
}

func loadPlayerConfig() PlayerConfig {
	cfg := PlayerConfig{
		KeystoneConfig:  defaultKeystoneConfig,
		KeystoneConfig2: defaultKeystoneConfig2,
	}
	if v := os.Getenv("PICKLE_FORCE_SYNC_HW"); v != "" && v != "0" {
		cfg.ForceSyncHW = true
	}
	if v := os.Getenv("PICKLE_ENABLE_PBO"); v != "" && v != "0" {
		cfg.EnablePBO = true
	}
	if v := os.Getenv("PICKLE_SHOW_TIMING"); v != "" && v != "0" {
		cfg.ShowTiming = true
	}
	if v := os.Getenv("PICKLE_KEYSTONE_CONFIG"); v != "" {
		cfg.KeystoneConfig = v
	}
	if v := os.Getenv("PICKLE_KEYSTONE_CONFIG_2"); v != "" {
		cfg.KeystoneConfig2 = v
	}
	return cfg
}

func main() {
	// CRITICAL: lock this goroutine to its OS thread before any EGL/DRM
	// call is made -- those contexts are thread-affine exactly like the
	// teacher's SDL2 context.
	runtime.LockOSThread()

	setupARMMemoryManagement()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}

	cfg := loadPlayerConfig()

	videoPaths := os.Args[1:]
	if len(videoPaths) < 1 || len(videoPaths) > 2 {
		log.Fatalf("usage: %s <video1.mp4> [video2.mp4]", os.Args[0])
	}
	dual := len(videoPaths) == 2

	dev, err := display.Open(defaultDRMDevice)
	if err != nil {
		log.Fatalf("Failed to open display %s: %v", defaultDRMDevice, err)
	}
	defer func() {
		log.Println("Closing display...")
		dev.Close()
	}()
	log.Printf("Starting pickle | Resolution: %dx%d", dev.Width, dev.Height)

	planeID, haveOverlay := dev.FindOverlayPlane()
	if haveOverlay {
		log.Printf("Found overlay plane %d for bypass render path", planeID)
	} else {
		log.Printf("No overlay plane available, compositing through GL for every stream")
	}

	renderer, err := glrender.New(dev.GBMDevice(), dev.GBMSurface(), dev)
	if err != nil {
		log.Fatalf("Failed to create GL/EGL renderer: %v", err)
	}
	defer renderer.Close()

	primaryDec, primaryAsync, err := openStream(videoPaths[0], true, cfg.ForceSyncHW, primaryDecoderCPU)
	if err != nil {
		log.Fatalf("Failed to open primary stream %q: %v", videoPaths[0], err)
	}
	defer primaryDec.Close()

	var pair *streampair.Pair
	if dual {
		secondaryDec, secondaryAsync, err := openStream(videoPaths[1], false, false, secondaryDecoderCPU)
		if err != nil {
			log.Fatalf("Failed to open secondary stream %q: %v", videoPaths[1], err)
		}
		defer secondaryDec.Close()
		pair, err = streampair.NewDual(primaryDec, primaryAsync, cfg.KeystoneConfig, secondaryDec, secondaryAsync, cfg.KeystoneConfig2)
	} else {
		pair, err = streampair.NewSingle(primaryDec, primaryAsync, cfg.KeystoneConfig)
	}
	if err != nil {
		log.Fatalf("Failed to build stream pair: %v", err)
	}
	defer func() {
		if serr := pair.Save(); serr != nil {
			log.Printf("Warning: failed to save keystone config on exit: %v", serr)
		}
		pair.Close()
	}()

	var overlay presenter.Overlay
	var kms *kmsworker.Worker
	if haveOverlay {
		kms = kmsworker.New(dev)
		overlay = kms
		defer kms.Shutdown(200*time.Millisecond, dev.CRTCID(), planeID)
	}

	// HardwareDecode and KeystoneIdentity are recomputed per frame by the
	// presenter (they depend on the decoded frame's format and the live
	// keystone state); only the startup-fixed capability bits are set here.
	caps := glrender.Capabilities{
		DMAAvailable:    true,
		ExternalSampler: true,
		OverlayPlane:    haveOverlay,
	}

	displayAspect := float32(dev.Width) / float32(dev.Height)

	loop := presenter.NewLoop(pair, renderer, overlay, dev.CRTCID(), planeID, displayAspect, caps, pendingCommands)
	defer loop.Close()
	loop.Start()

	installQuitSignal(loop)
	pinCurrentThread(presenterCPU)

	log.Printf("pickle running: %d stream(s), force-sync-hw=%v, pbo=%v, timing=%v",
		len(videoPaths), cfg.ForceSyncHW, cfg.EnablePBO, cfg.ShowTiming)

	lastLoggedDrops := 0
	for loop.Tick() {
		if cfg.ShowTiming {
			report := loop.Monitor.GetReport()
			if report.DroppedFrames > 0 && report.DroppedFrames != lastLoggedDrops && report.DroppedFrames%100 == 0 {
				log.Printf("timing: avg_decode=%.2fms avg_render=%.2fms avg_total=%.2fms dropped=%d",
					report.AvgDecodeMs, report.AvgRenderMs, report.AvgTotalMs, report.DroppedFrames)
				lastLoggedDrops = report.DroppedFrames
			}
		}
	}

	log.Println("pickle shutting down...")
}

// openStream opens one decoder session and, unless forceSync suppresses it
// for the primary stream (PICKLE_FORCE_SYNC_HW=1, spec.md §7 test 5), wraps
// it in an async worker pinned to its own CPU (spec.md §5/§6).
func openStream(path string, preferHardware, forceSync bool, cpu int) (*decoder.Session, *asyncworker.Worker, error) {
	dec, err := decoder.Open(path, decoder.Options{PreferHardware: preferHardware})
	if err != nil {
		return nil, nil, err
	}
	if preferHardware && forceSync {
		return dec, nil, nil
	}
	var pinned sync.Once
	worker := asyncworker.New(func() (interface{}, error) {
		pinned.Do(func() { pinCurrentThread(cpu) })
		return dec.DecodeNext()
	})
	return dec, worker, nil
}

// pendingCommands is the presenter's CommandSource. Input device reading is
// out of scope (spec.md §1, §6); this binary never produces commands of its
// own, leaving the seam for an external adapter to fill in.
func pendingCommands() []command.Command { return nil }

// installQuitSignal arranges for SIGINT/SIGTERM to request a clean loop
// stop via the async-signal-safe atomic flag (spec.md §9), rather than
// doing any I/O or allocation from the signal-handling goroutine itself.
func installQuitSignal(loop *presenter.Loop) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		loop.RequestQuit()
	}()
}

// pinCurrentThread locks the calling goroutine to its OS thread and pins
// that thread to cpu, matching spec.md §5's one-core-per-role assignment
// (presenter on CPU 0, decoder workers on CPU 2/3). Failures are logged,
// not fatal: pinning is a scheduling hint, and playback is still correct
// without it.
func pinCurrentThread(cpu int) {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log.Printf("Warning: failed to pin thread to CPU %d: %v", cpu, err)
	}
}

// setupARMMemoryManagement configures the Pi's ARM64 memory behavior and
// CGO build flags, mirroring the teacher's main.go function of the same
// name: aggressive GC plus a conservative memory ceiling keep the EGL/GBM
// native allocations (never visible to the Go heap) from starving the Pi's
// shared GPU/CPU memory pool.
func setupARMMemoryManagement() {
	log.Printf("Configuring ARM64 memory management...")

	os.Setenv("GODEBUG", "madvdontneed=1")
	os.Setenv("GOMAXPROCS", fmt.Sprintf("%d", runtime.NumCPU()))
	os.Setenv("GOGC", "50")
	os.Setenv("GOMEMLIMIT", "512MiB")

	os.Setenv("CGO_CFLAGS", "-O2 -g -fPIC")
	os.Setenv("CGO_LDFLAGS", "-Wl,--no-as-needed -fPIC")

	debug.SetGCPercent(50)
	debug.SetMemoryLimit(512 << 20)

	for i := 0; i < 3; i++ {
		runtime.GC()
		time.Sleep(50 * time.Millisecond)
	}

	log.Printf("ARM64 memory management configured: GOGC=50, GOMEMLIMIT=512MiB, GOMAXPROCS=%d", runtime.NumCPU())
}
