package obj

import (
	"oro/kernel"
	"oro/kernel/registry"

	"github.com/google/uuid"
)

// InstanceFaultTypeID is the well-known Port Type ID for the Ring-0-owned
// "instance_fault" Port (§7: "its Instance notified via a Port on Ring 0
// named instance_fault"). Every FaultReport is a fixed-size little-endian
// encoding of (instance handle, faulting thread handle).
var InstanceFaultTypeID = uuid.MustParse("6f726f2d-6661-756c-7400-000000000001")

const faultReportSlotSize = 16

// CreateInstanceFaultPort creates the Ring-0 instance_fault Port, a single
// producer (the kernel fault path) and consumer (whatever Ring-0 service
// watches for faulted Instances) SPSC Port.
func (s *Space) CreateInstanceFaultPort() (registry.Handle, *kernel.Error) {
	return s.Registry.Insert(registry.KindPort, NewPort(InstanceFaultTypeID, faultReportSlotSize, 64))
}

func encodeFaultReport(instance, thread registry.Handle) []byte {
	buf := make([]byte, faultReportSlotSize)
	putU64(buf[0:8], uint64(instance))
	putU64(buf[8:16], uint64(thread))
	return buf
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// ReportFatalFault implements §7's user-visible fatal-fault path: the
// faulting Thread is force-terminated and a FaultReport naming its
// Instance and itself is enqueued on faultPort, non-blocking (a consumer
// that falls behind simply misses the backlog -- the Thread is already
// terminated regardless). The scheduler is expected to call PickNext next,
// exactly as it would after any other Blocked/Terminated transition.
func (s *Space) ReportFatalFault(faultPort, thread registry.Handle) *kernel.Error {
	t, err := s.thread(thread)
	if err != nil {
		return err
	}
	instance := t.Instance
	t.SetLastError(kernel.NewError("obj", "fatal fault"))
	if err := t.Transition(ThreadTerminated); err != nil {
		return err
	}

	p, err := s.port(faultPort)
	if err != nil {
		return err
	}
	_, serr := p.Send(encodeFaultReport(instance, thread))
	if serr != nil && serr != ErrWouldBlock {
		return serr
	}
	return nil
}
