//go:build darwin && cgo

package proc

/*
#include <libproc.h>
#include <mach/mach.h>
#include <mach/mach_vm.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Maps walks the target's address space with mach_vm_region_recurse and
// resolves backing filenames through proc_regionfilename.
func (p *Process) Maps() (Maps, error) {
	var maps Maps
	var addr C.mach_vm_address_t
	var depth C.natural_t
	for {
		var size C.mach_vm_size_t
		var info C.vm_region_submap_info_data_64_t
		count := C.mach_msg_type_number_t(C.VM_REGION_SUBMAP_INFO_COUNT_64)

		kr := C.mach_vm_region_recurse(p.task, &addr, &size, &depth,
			C.vm_region_recurse_info_t(unsafe.Pointer(&info)), &count)
		if kr == C.KERN_INVALID_ADDRESS {
			break
		}
		if kr != C.KERN_SUCCESS {
			return nil, &PlatformError{Op: "mach_vm_region_recurse", Err: fmt.Errorf("kern_return %d", int(kr))}
		}
		if info.is_submap != 0 {
			depth++
			continue
		}

		entry := MapRange{
			Start: uint64(addr),
			End:   uint64(addr) + uint64(size),
			Read:  info.protection&C.VM_PROT_READ != 0,
			Write: info.protection&C.VM_PROT_WRITE != 0,
			Exec:  info.protection&C.VM_PROT_EXECUTE != 0,
		}

		buf := make([]byte, C.PROC_PIDPATHINFO_MAXSIZE)
		n := C.proc_regionfilename(C.int(p.Pid), C.uint64_t(addr),
			unsafe.Pointer(&buf[0]), C.uint32_t(len(buf)))
		if n > 0 {
			entry.Filename = string(buf[:n])
		}

		maps = append(maps, entry)
		addr += size
	}
	return maps, nil
}
