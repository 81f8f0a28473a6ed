package emulator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/droidpilot/droidpilot/internal/common/config"
	"github.com/droidpilot/droidpilot/internal/common/logger"
)

const (
	managedLabel = "droidpilot.managed"
	indexLabel   = "droidpilot.index"

	containerNamePrefix = "droidpilot-emulator-"
	stopTimeout         = 30 * time.Second
)

// Instance is one provisioned emulator and the adb address it serves.
type Instance struct {
	ContainerID string `json:"container_id"`
	Name        string `json:"name"`
	ADBAddress  string `json:"adb_address"`
	State       string `json:"state"`
}

// Provisioner creates and tears down redroid containers. Containers are
// named and labeled by slot index so restarts reuse what is already
// there instead of colliding with it.
type Provisioner struct {
	client *Client
	cfg    config.EmulatorConfig
	logger *logger.Logger
}

// NewProvisioner creates a provisioner over the given Docker client.
func NewProvisioner(client *Client, cfg config.EmulatorConfig, log *logger.Logger) *Provisioner {
	return &Provisioner{
		client: client,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "emulator-provisioner")),
	}
}

func slotName(index int) string {
	return fmt.Sprintf("%s%d", containerNamePrefix, index)
}

func (p *Provisioner) slotAddress(index int) string {
	return fmt.Sprintf("127.0.0.1:%d", p.cfg.ADBPortBase+index)
}

// Start ensures count emulator containers are running and returns their
// adb addresses, ordered by slot. Slots are provisioned in parallel;
// an existing container for a slot is started rather than recreated.
func (p *Provisioner) Start(ctx context.Context, count int) ([]Instance, error) {
	if count <= 0 {
		count = p.cfg.Count
	}
	if count <= 0 {
		count = 1
	}

	if err := p.client.Ping(ctx); err != nil {
		return nil, err
	}

	// A missing image is only fatal once a slot actually needs it.
	if err := p.client.PullImage(ctx, p.cfg.Image); err != nil {
		p.logger.Warn("image pull failed, relying on a local copy",
			zap.String("image", p.cfg.Image),
			zap.Error(err))
	}

	existing, err := p.client.ListContainers(ctx, map[string]string{managedLabel: "true"})
	if err != nil {
		return nil, err
	}
	byName := make(map[string]ContainerInfo, len(existing))
	for _, info := range existing {
		byName[info.Name] = info
	}

	instances := make([]Instance, count)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			inst, err := p.ensureSlot(ctx, i, byName[slotName(i)])
			if err != nil {
				return err
			}
			instances[i] = inst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.logger.Info("emulators ready", zap.Int("count", count))
	return instances, nil
}

// ensureSlot brings one slot to the running state. The zero ContainerInfo
// means no container exists for the slot yet.
func (p *Provisioner) ensureSlot(ctx context.Context, index int, current ContainerInfo) (Instance, error) {
	name := slotName(index)
	address := p.slotAddress(index)

	if current.ID != "" {
		if current.State == "running" {
			p.logger.Debug("reusing running emulator", zap.String("name", name))
			return Instance{ContainerID: current.ID, Name: name, ADBAddress: address, State: "running"}, nil
		}
		if err := p.client.StartContainer(ctx, current.ID); err == nil {
			p.logger.Info("restarted emulator", zap.String("name", name))
			return Instance{ContainerID: current.ID, Name: name, ADBAddress: address, State: "running"}, nil
		}
		// Unstartable leftover; replace it.
		p.logger.Warn("removing unstartable emulator container", zap.String("name", name))
		if err := p.client.RemoveContainer(ctx, current.ID, true); err != nil {
			return Instance{}, err
		}
	}

	containerID, err := p.client.CreateContainer(ctx, ContainerConfig{
		Name:        name,
		Image:       p.cfg.Image,
		HostADBPort: p.cfg.ADBPortBase + index,
		Labels: map[string]string{
			managedLabel: "true",
			indexLabel:   strconv.Itoa(index),
		},
	})
	if err != nil {
		return Instance{}, err
	}

	if err := p.client.StartContainer(ctx, containerID); err != nil {
		_ = p.client.RemoveContainer(ctx, containerID, true)
		return Instance{}, err
	}

	return Instance{ContainerID: containerID, Name: name, ADBAddress: address, State: "running"}, nil
}

// Stop tears down every managed emulator container.
func (p *Provisioner) Stop(ctx context.Context) error {
	existing, err := p.client.ListContainers(ctx, map[string]string{managedLabel: "true"})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, info := range existing {
		info := info
		g.Go(func() error {
			if info.State == "running" {
				if err := p.client.StopContainer(ctx, info.ID, stopTimeout); err != nil {
					p.logger.Warn("failed to stop emulator",
						zap.String("name", info.Name),
						zap.Error(err))
				}
			}
			return p.client.RemoveContainer(ctx, info.ID, true)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.logger.Info("emulators removed", zap.Int("count", len(existing)))
	return nil
}

// List returns every managed emulator container, ordered by slot.
func (p *Provisioner) List(ctx context.Context) ([]Instance, error) {
	existing, err := p.client.ListContainers(ctx, map[string]string{managedLabel: "true"})
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(existing))
	for _, info := range existing {
		inst := Instance{
			ContainerID: info.ID,
			Name:        info.Name,
			State:       info.State,
		}
		if raw, ok := info.Labels[indexLabel]; ok {
			if index, err := strconv.Atoi(raw); err == nil {
				inst.ADBAddress = p.slotAddress(index)
			}
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
	return instances, nil
}
