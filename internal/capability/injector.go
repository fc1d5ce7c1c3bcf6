package capability

import (
	"context"
	"fmt"

	mergeerrors "github.com/devrev/pairdb/splitbrain/internal/errors"
	"go.uber.org/zap"
)

// Injector wires declared capabilities into policy instances before a run
type Injector struct {
	registry Registry
	logger   *zap.Logger
}

// NewInjector creates an injector over a registry; registry may be nil when
// no capability is ever available.
func NewInjector(registry Registry, logger *zap.Logger) *Injector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Injector{registry: registry, logger: logger}
}

// Inject sets every capability the policy declares. Policies that declare
// nothing are left alone. Re-injecting sets the same values again.
func (i *Injector) Inject(ctx context.Context, policy any) error {
	declarer, ok := policy.(Declarer)
	if !ok {
		return nil
	}
	declared := declarer.Capabilities()

	for _, c := range declared.Members() {
		if err := i.injectOne(ctx, policy, c); err != nil {
			i.logger.Error("Capability injection failed",
				zap.String("policy", fmt.Sprintf("%T", policy)),
				zap.Stringer("capability", c),
				zap.Error(err))
			return err
		}
	}

	i.logger.Debug("Capabilities injected",
		zap.String("policy", fmt.Sprintf("%T", policy)),
		zap.Stringer("capabilities", declared))
	return nil
}

func (i *Injector) injectOne(ctx context.Context, policy any, c Capability) error {
	if i.registry == nil {
		return mergeerrors.CapabilityInjection(c.String(), "no registry configured", nil)
	}

	switch c {
	case ClusterContext:
		target, ok := policy.(ClusterAware)
		if !ok {
			return mergeerrors.CapabilityInjection(c.String(), "policy does not implement ClusterAware", nil)
		}
		v, err := i.registry.Lookup(ctx, c)
		if err != nil {
			return wrapLookup(c, err)
		}
		cluster, ok := v.(Cluster)
		if !ok {
			return mergeerrors.CapabilityInjection(c.String(), fmt.Sprintf("registry returned %T", v), nil)
		}
		target.SetClusterContext(cluster)

	case UserContext:
		target, ok := policy.(UserAware)
		if !ok {
			return mergeerrors.CapabilityInjection(c.String(), "policy does not implement UserAware", nil)
		}
		v, err := i.registry.Lookup(ctx, c)
		if err != nil {
			return wrapLookup(c, err)
		}
		user, ok := v.(User)
		if !ok {
			return mergeerrors.CapabilityInjection(c.String(), fmt.Sprintf("registry returned %T", v), nil)
		}
		target.SetUserContext(user)

	default:
		return mergeerrors.CapabilityInjection(c.String(), "unsupported capability", nil)
	}
	return nil
}

func wrapLookup(c Capability, err error) error {
	if mergeerrors.IsCapabilityInjection(err) {
		return err
	}
	return mergeerrors.CapabilityInjection(c.String(), "lookup failed", err)
}
