package vm

import (
	"context"
	"errors"

	"github.com/containerd/errdefs"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/baker/api/v1alpha1"
)

// RoleStatus is one row of Status.
type RoleStatus struct {
	Role    v1alpha1.Role         `json:"role" yaml:"role"`
	Name    string                `json:"name" yaml:"name"`
	State   v1alpha1.MachineState `json:"state" yaml:"state"`
	WorkDir string                `json:"workDir" yaml:"workDir"`

	// Recorded reports whether the registry has an entry for the machine.
	Recorded bool `json:"recorded" yaml:"recorded"`

	// Error holds the state query failure, if any.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Status reports every role's provider state next to its registry entry.
// Roles are queried concurrently. A failed state query is reported in the
// row; only registry failures fail the call.
func (o *Orchestrator) Status(ctx context.Context, roles ...v1alpha1.Role) ([]RoleStatus, error) {
	if len(roles) == 0 {
		roles = v1alpha1.Roles()
	}
	rows := make([]RoleStatus, len(roles))

	g, ctx := errgroup.WithContext(ctx)
	for i, role := range roles {
		g.Go(func() error {
			name := o.cfg.MachineName(role)
			row := RoleStatus{Role: role, Name: name, WorkDir: o.cfg.WorkDir(role)}

			state, err := o.state(ctx, name)
			row.State = state
			if err != nil {
				var qerr *ProviderQueryFailedError
				if !errors.As(err, &qerr) {
					return err
				}
				row.Error = qerr.Err.Error()
			}

			_, err = o.registry.Lookup(ctx, name)
			switch {
			case err == nil:
				row.Recorded = true
			case !errdefs.IsNotFound(err):
				return err
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}
