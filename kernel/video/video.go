// Package video implements the optional boot-time video buffer described
// in §4.6: a single framebuffer descriptor, exposed to Ring 0 as a
// special Port rather than a full graphics subsystem. It is a throwaway
// facility, kept only long enough for a real driver to replace it.
//
// The descriptor shape follows the teacher's own
// device/video/console.FramebufferInfo (vesa_fb.go): base physical
// address, pitch, width, height and pixel format, read once out of the
// boot handoff struct and never touched again.
package video

import (
	"oro/kernel"
	"oro/kernel/boothandoff"
	"oro/kernel/obj"
	"oro/kernel/registry"

	"github.com/google/uuid"
)

// TypeID is the well-known Port Type ID every framebuffer Port uses,
// analogous to instance_fault's reserved type (§7).
var TypeID = uuid.MustParse("6f726f2d-7669-6465-6f00-000000000001")

var errNoFramebuffer = kernel.NewError("video", "boot handoff carries no framebuffer descriptor")

// Descriptor is the single message ever written to the framebuffer Port: a
// snapshot of the boot handoff's Framebuffer, copied in because the Port
// abstraction only moves byte payloads, never pointers (§4.5).
type Descriptor struct {
	Base   uint64
	Pitch  uint32
	Width  uint32
	Height uint32
	Format boothandoff.FramebufferFormat
}

func encode(fb *boothandoff.Framebuffer) []byte {
	buf := make([]byte, 21)
	putU64(buf[0:8], uint64(fb.Base))
	putU32(buf[8:12], fb.Pitch)
	putU32(buf[12:16], fb.Width)
	putU32(buf[16:20], fb.Height)
	buf[20] = byte(fb.Format)
	return buf
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Init creates the Ring-0-owned framebuffer Port described in §4.6 and
// publishes the handoff descriptor as its one and only message, ready for
// whatever Ring-0 service wants to open it as a consumer. If the boot
// handoff carries no framebuffer it creates no Port and returns
// InvalidHandle together with an error.
func Init(space *obj.Space, info *boothandoff.Info) (registry.Handle, *kernel.Error) {
	if info.Framebuffer == nil {
		return registry.InvalidHandle, errNoFramebuffer
	}

	portHandle, err := space.CreatePort(TypeID, 32, 1)
	if err != nil {
		return registry.InvalidHandle, err
	}

	port, err := space.GetPort(portHandle)
	if err != nil {
		return registry.InvalidHandle, err
	}
	if _, serr := port.Send(encode(info.Framebuffer)); serr != nil {
		return registry.InvalidHandle, serr
	}

	return portHandle, nil
}
