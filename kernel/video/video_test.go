package video

import (
	"testing"

	"oro/kernel/boothandoff"
	"oro/kernel/mm"
	"oro/kernel/mm/pfa"
	"oro/kernel/mm/vmm"
	"oro/kernel/obj"
	"oro/kernel/registry"

	"github.com/stretchr/testify/require"
)

func newTestSpace(t *testing.T) *obj.Space {
	t.Helper()
	info := &boothandoff.Info{
		MemoryMap: []boothandoff.MemoryMapEntry{{Base: 0, Length: mm.Mb, Type: boothandoff.MemUsable}},
	}
	alloc, err := pfa.New(info)
	require.Nil(t, err)
	t.Cleanup(func() { _ = alloc.Close() })
	return obj.NewSpace(alloc, vmm.NewKernelHalf())
}

func TestInitPublishesFramebufferDescriptor(t *testing.T) {
	space := newTestSpace(t)
	info := &boothandoff.Info{
		Framebuffer: &boothandoff.Framebuffer{
			Base:   0x1000,
			Pitch:  1024,
			Width:  800,
			Height: 600,
			Format: boothandoff.FramebufferRGB,
		},
	}

	portHandle, err := Init(space, info)
	require.Nil(t, err)
	require.NotEqual(t, registry.InvalidHandle, portHandle)

	port, err := space.GetPort(portHandle)
	require.Nil(t, err)

	out := make([]byte, 32)
	n, rerr := port.Recv(out)
	require.Nil(t, rerr)
	require.Equal(t, 21, n)
	require.Equal(t, byte(boothandoff.FramebufferRGB), out[20])
}

func TestInitWithoutFramebufferIsNoop(t *testing.T) {
	space := newTestSpace(t)
	_, err := Init(space, &boothandoff.Info{})
	require.NotNil(t, err)
}
