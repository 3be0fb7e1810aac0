package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	golibvirt "github.com/digitalocean/go-libvirt"

	"nimbus-kvm-orchestrator/internal/domain"
	"nimbus-kvm-orchestrator/internal/vmerr"
)

// AdmissionReport records the capacity picture a deploy or scale
// decision was taken against.
type AdmissionReport struct {
	TotalVCPU      uint64 `json:"total_vcpu"`
	UsedVCPU       uint64 `json:"used_vcpu"`
	RequestedVCPU  uint64 `json:"requested_vcpu"`
	RemainingVCPU  uint64 `json:"remaining_vcpu"`
	TotalRAMMB     uint64 `json:"total_ram_mb"`
	UsedRAMMB      uint64 `json:"used_ram_mb"`
	RequestedRAMMB uint64 `json:"requested_ram_mb"`
	RemainingRAMMB uint64 `json:"remaining_ram_mb"`
	StoragePath    string `json:"storage_path"`
	StorageTotalB  uint64 `json:"storage_total_b"`
	StorageFreeB   uint64 `json:"storage_free_b"`
	RequestedDiskB uint64 `json:"requested_disk_b"`
}

type admissionInput struct {
	excludeVM    string
	requestVCPU  uint64
	requestRAMMB uint64
	requestDiskB uint64
	diskPath     string
}

// checkAdmission compares the request against node capacity minus what
// every defined domain on the host already claims, foreign domains
// included. A rejection is reported as ResourceExhausted, not as a
// driver failure.
func (m *Manager) checkAdmission(ctx context.Context, client *golibvirt.Libvirt, in admissionInput) (*AdmissionReport, error) {
	totalVCPU, totalRAMMB, err := readNodeCapacity(client)
	if err != nil {
		return nil, vmerr.E(vmerr.KindConnectionFailed, "manager.admission", in.excludeVM, err)
	}

	usedVCPU, usedRAMMB, err := m.readAllocatedCapacity(client, in.excludeVM)
	if err != nil {
		return nil, vmerr.E(vmerr.KindConnectionFailed, "manager.admission", in.excludeVM, err)
	}

	storagePath := storageCheckPath(in.diskPath, m.imageDir)
	storageTotal, storageFree, err := readStorageCapacity(storagePath)
	if err != nil {
		return nil, vmerr.E(vmerr.KindInternal, "manager.admission", in.excludeVM, err)
	}

	report := &AdmissionReport{
		TotalVCPU:      totalVCPU,
		UsedVCPU:       usedVCPU,
		RequestedVCPU:  in.requestVCPU,
		TotalRAMMB:     totalRAMMB,
		UsedRAMMB:      usedRAMMB,
		RequestedRAMMB: in.requestRAMMB,
		StoragePath:    storagePath,
		StorageTotalB:  storageTotal,
		StorageFreeB:   storageFree,
		RequestedDiskB: in.requestDiskB,
	}
	if totalVCPU > usedVCPU {
		report.RemainingVCPU = totalVCPU - usedVCPU
	}
	if totalRAMMB > usedRAMMB {
		report.RemainingRAMMB = totalRAMMB - usedRAMMB
	}

	if usedVCPU+in.requestVCPU > totalVCPU {
		return report, vmerr.Errorf(vmerr.KindResourceExhausted, "manager.admission", in.excludeVM,
			"insufficient cpu capacity: requested %d, remaining %d", in.requestVCPU, report.RemainingVCPU)
	}
	if usedRAMMB+in.requestRAMMB > totalRAMMB {
		return report, vmerr.Errorf(vmerr.KindResourceExhausted, "manager.admission", in.excludeVM,
			"insufficient ram capacity: requested %d MiB, remaining %d MiB", in.requestRAMMB, report.RemainingRAMMB)
	}
	if in.requestDiskB > 0 && storageFree < in.requestDiskB {
		return report, vmerr.Errorf(vmerr.KindResourceExhausted, "manager.admission", in.excludeVM,
			"insufficient storage capacity: requested %d B, free %d B", in.requestDiskB, storageFree)
	}
	_ = ctx
	return report, nil
}

func (m *Manager) readAllocatedCapacity(client *golibvirt.Libvirt, excludeVM string) (uint64, uint64, error) {
	doms, _, err := client.ConnectListAllDomains(1, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("list domains: %w", err)
	}
	var usedVCPU, usedRAMMB uint64
	for _, dom := range doms {
		xmlDesc, err := client.DomainGetXMLDesc(dom, 0)
		if err != nil {
			m.logger.Warn("read domain xml failed, skipping", "domain", dom.Name, "error", err)
			continue
		}
		cfg, err := domain.Parse(xmlDesc)
		if err != nil {
			m.logger.Warn("parse domain xml failed, skipping", "domain", dom.Name, "error", err)
			continue
		}
		if excludeVM != "" && cfg.Name == excludeVM {
			continue
		}
		usedVCPU += uint64(cfg.VCPUs)
		usedRAMMB += cfg.MemoryKiB / 1024
	}
	return usedVCPU, usedRAMMB, nil
}

func readNodeCapacity(client *golibvirt.Libvirt) (totalVCPU uint64, totalRAMMB uint64, err error) {
	_, memKiB, cpus, _, _, _, _, _, err := client.NodeGetInfo()
	if err != nil {
		return 0, 0, fmt.Errorf("read node info: %w", err)
	}
	totalVCPU = uint64(cpus)
	totalRAMMB = memKiB / 1024
	return totalVCPU, totalRAMMB, nil
}

func readStorageCapacity(path string) (totalBytes uint64, freeBytes uint64, err error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	totalBytes = st.Blocks * bsize
	freeBytes = st.Bavail * bsize
	return totalBytes, freeBytes, nil
}

func storageCheckPath(path, fallback string) string {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return fallback
	}
	info, err := os.Stat(clean)
	if err == nil && info.IsDir() {
		return clean
	}
	return filepath.Dir(clean)
}
