package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// KillByName sends SIGKILL to every process whose name equals name, except the caller.
// Processes that vanish while the table is walked are skipped. Finding nothing is not
// an error.
func KillByName(ctx context.Context, name string) (int, error) {
	if name == "" {
		return 0, errors.New("empty process name")
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}

	self := int32(os.Getpid())
	killed := 0
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		pName, err := p.NameWithContext(ctx)
		if err != nil || pName != name {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			continue
		}
		killed++
	}
	return killed, nil
}
