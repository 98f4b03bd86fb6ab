package agentproxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/omi/listen-server/internal/audit"
	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/observability"
)

const startingMessage = "Starting your agent VM..."

// VMController is the cloud control plane. *cloudvm.Client implements it.
type VMController interface {
	Start(ctx context.Context, zone, name string) error
	Reset(ctx context.Context, zone, name string) error
	ExternalIP(ctx context.Context, zone, name string) (string, error)
}

// StatusFunc streams a progress message to the client during VM start.
type StatusFunc func(message string)

func (b *Bridge) baseURL(ip string) string {
	return "http://" + net.JoinHostPort(ip, strconv.Itoa(b.opts.VMPort))
}

// healthy reports whether the VM answers GET /health with 200 within the
// probe timeout.
func (b *Bridge) healthy(ctx context.Context, ip string) bool {
	ctx, cancel := context.WithTimeout(ctx, b.opts.HealthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL(ip)+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// waitHealthy polls the VM until it is healthy or HealthPollDeadline passes.
func (b *Bridge) waitHealthy(ctx context.Context, ip string) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.HealthPollDeadline)
	defer cancel()
	for {
		if b.healthy(ctx, ip) {
			return nil
		}
		select {
		case <-ctx.Done():
			return apperrors.VMUnhealthy()
		case <-time.After(b.opts.HealthPollInterval):
		}
	}
}

// EnsureVM returns a ready, healthy VM record for the user. A VM marked
// ready that does not answer is hard-reset; any other VM is started and
// given its external IP.
func (b *Bridge) EnsureVM(ctx context.Context, uid string, vm *model.AgentVM, status StatusFunc) (_ *model.AgentVM, err error) {
	if vm == nil {
		return nil, apperrors.NoVM()
	}
	ctx, span := observability.StartSpan(ctx, "agentproxy.ensure_vm",
		attribute.String("uid", uid),
		attribute.String("vm", vm.VMName),
		attribute.String("status", string(vm.Status)),
	)
	path := "fast"
	defer func() {
		result := "ok"
		if err != nil {
			result = string(apperrors.GetCode(err))
		}
		span.SetAttributes(attribute.String("path", path))
		b.metrics.RecordVMEnsure(path, result)
		observability.EndSpan(span, err)
	}()

	if vm.Ready() && b.healthy(ctx, vm.IP) {
		return vm, nil
	}

	status(startingMessage)
	if vm.Status == model.VMStatusReady {
		path = "reset"
		err = b.resetVM(ctx, uid, vm)
	} else {
		path = "cold"
		err = b.startVM(ctx, uid, vm)
	}
	if err != nil {
		return nil, err
	}

	user, err := b.users.GetUserContext(ctx, uid)
	if err != nil {
		return nil, apperrors.VMStartFailed("reload vm record").WithCause(err)
	}
	if user == nil || !user.AgentVM.Ready() {
		return nil, apperrors.VMStartFailed("vm has no address after start")
	}
	vm = user.AgentVM

	if err := b.waitHealthy(ctx, vm.IP); err != nil {
		return nil, err
	}
	return vm, nil
}

func (b *Bridge) resetVM(ctx context.Context, uid string, vm *model.AgentVM) error {
	audit.Log(ctx, audit.Event{
		Type:    audit.EventVMReset,
		UserID:  uid,
		Details: map[string]interface{}{"vm": vm.VMName, "zone": vm.Zone},
	})
	if err := b.users.SetVMStatus(ctx, uid, model.VMStatusProvisioning); err != nil {
		return apperrors.VMStartFailed("mark provisioning").WithCause(err)
	}
	if err := b.vms.Reset(ctx, vm.Zone, vm.VMName); err != nil {
		b.markError(ctx, uid)
		return apperrors.VMStartFailed("reset").WithCause(err)
	}
	if err := b.users.SetVMStatus(ctx, uid, model.VMStatusReady); err != nil {
		return apperrors.VMStartFailed("mark ready").WithCause(err)
	}
	return nil
}

func (b *Bridge) startVM(ctx context.Context, uid string, vm *model.AgentVM) error {
	if err := b.users.SetVMStatus(ctx, uid, model.VMStatusProvisioning); err != nil {
		return apperrors.VMStartFailed("mark provisioning").WithCause(err)
	}
	if err := b.vms.Start(ctx, vm.Zone, vm.VMName); err != nil {
		b.markError(ctx, uid)
		return apperrors.VMStartFailed("start").WithCause(err)
	}
	ip, err := b.vms.ExternalIP(ctx, vm.Zone, vm.VMName)
	if err != nil {
		b.markError(ctx, uid)
		return apperrors.VMStartFailed("external ip").WithCause(fmt.Errorf("vm %s: %w", vm.VMName, err))
	}
	if err := b.users.SetVMAddress(ctx, uid, ip, model.VMStatusReady); err != nil {
		return apperrors.VMStartFailed("record address").WithCause(err)
	}
	return nil
}

func (b *Bridge) markError(ctx context.Context, uid string) {
	if err := b.users.SetVMStatus(context.WithoutCancel(ctx), uid, model.VMStatusError); err != nil {
		b.logger(uid).Warn().Err(err).Msg("mark vm error")
	}
}
