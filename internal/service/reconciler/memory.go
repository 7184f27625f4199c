package reconciler

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// MemoryProbe reports resident set size of the process in bytes
type MemoryProbe interface {
	RSS() (uint64, error)
}

type ProcessMemory struct {
	proc *process.Process
}

func NewProcessMemory() (*ProcessMemory, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open process: %w", err)
	}
	return &ProcessMemory{proc: p}, nil
}

func (m *ProcessMemory) RSS() (uint64, error) {
	info, err := m.proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("failed to read memory info: %w", err)
	}
	return info.RSS, nil
}
