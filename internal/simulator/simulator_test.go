package simulator

import (
	"os"
	"testing"
)

func TestVideoDriverCascadeHonorsEnvOverride(t *testing.T) {
	old := os.Getenv("SDL_VIDEODRIVER")
	defer os.Setenv("SDL_VIDEODRIVER", old)

	os.Setenv("SDL_VIDEODRIVER", "wayland")
	drivers := videoDriverCascade()
	if len(drivers) == 0 || drivers[0] != "wayland" {
		t.Fatalf("expected env driver first, got %v", drivers)
	}
}

func TestVideoDriverCascadeDefaultsToHeadlessFirst(t *testing.T) {
	old := os.Getenv("SDL_VIDEODRIVER")
	defer os.Setenv("SDL_VIDEODRIVER", old)
	os.Unsetenv("SDL_VIDEODRIVER")

	drivers := videoDriverCascade()
	if len(drivers) == 0 || drivers[0] != "dummy" {
		t.Fatalf("expected dummy driver first when unset on linux/CI, got %v", drivers)
	}
}

func TestAddFB2AllocatesSequentialIDsAndTracksOwner(t *testing.T) {
	d := &Device{fbOwners: make(map[uint32]uint32)}
	handle, _ := d.PrimeFDToHandle(7)
	fbID, err := d.AddFB2(handle, 100, 100, [3]uint32{}, [3]uint32{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fbID != 1 {
		t.Fatalf("expected first fb_id to be 1, got %d", fbID)
	}
	if d.fbOwners[fbID] != handle {
		t.Fatalf("expected fb %d owned by handle %d, got %d", fbID, handle, d.fbOwners[fbID])
	}

	if err := d.ReleaseFB(handle, fbID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := d.fbOwners[fbID]; ok {
		t.Fatalf("expected fb %d released", fbID)
	}
}
