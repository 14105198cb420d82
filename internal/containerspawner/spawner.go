package containerspawner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/showcase/core"
	"pkt.systems/showcase/internal/shipohoy"
	"pkt.systems/showcase/schema"
	"pkt.systems/pslog"
)

const (
	labelOwner   = "showcase.owner"
	labelProcess = "showcase.process"

	// DefaultPort is the port a backend listens on inside its container.
	DefaultPort = 8888
	// DefaultReadyTimeout bounds the wait for the backend port.
	DefaultReadyTimeout = 2 * time.Minute

	stderrTailLines = 20
)

// Config configures container-backed process slots.
type Config struct {
	Image          string
	Command        []string
	Port           int
	ReadyTimeout   time.Duration
	HostNetwork    bool
	Limits         Limits
	LogBufferBytes int
}

// Spawner implements core.Spawner on top of a shipohoy yard.
type Spawner struct {
	yard *shipohoy.Yard
	cfg  Config
	caps *shipohoy.ResourceCaps
	log  pslog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	ports   map[string]int
}

// New constructs a container spawner.
func New(yard *shipohoy.Yard, cfg Config, logger pslog.Logger) (*Spawner, error) {
	if yard == nil {
		return nil, errors.New("container spawner requires a yard")
	}
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, errors.New("container spawner requires an image")
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	logger = logger.With("spawner", "container")
	return &Spawner{
		yard:    yard,
		cfg:     cfg,
		caps:    cfg.Limits.Caps(logger),
		log:     logger,
		pending: make(map[string]struct{}),
		ports:   make(map[string]int),
	}, nil
}

// ContainerName returns the yard-local container name of a slot.
func ContainerName(owner schema.UserID, name schema.ProcessName) string {
	return sanitizeName(string(owner)) + "-" + sanitizeName(string(name))
}

// ListSources lists the owner's containers as process slots.
func (s *Spawner) ListSources(ctx context.Context, owner schema.UserID) ([]schema.ProcessRef, error) {
	infos, err := s.yard.Manifest(ctx, map[string]string{labelOwner: string(owner)})
	if err != nil {
		return nil, err
	}
	out := make([]schema.ProcessRef, 0, len(infos))
	for _, info := range infos {
		process := info.Labels[labelProcess]
		if process == "" {
			continue
		}
		name := schema.ProcessName(process)
		state := s.mapStatus(ContainerName(owner, name), info.Status)
		out = append(out, schema.ProcessRef{Owner: owner, Name: name, State: state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// State reports the slot state from the container runtime.
func (s *Spawner) State(ctx context.Context, owner schema.UserID, name schema.ProcessName) (schema.BackendState, error) {
	container := ContainerName(owner, name)
	if s.isPending(container) {
		return schema.BackendPending, nil
	}
	status, err := s.yard.Inspect(ctx, container)
	if err != nil {
		return schema.BackendAbsent, err
	}
	return s.mapStatus(container, status), nil
}

// PollAndNotify re-inspects the container so an exited task is seen as dormant.
func (s *Spawner) PollAndNotify(ctx context.Context, owner schema.UserID, name schema.ProcessName) (schema.BackendState, error) {
	state, err := s.State(ctx, owner, name)
	if err != nil {
		s.log.Warn("container spawner poll failed", "user", owner, "process", name, "err", err)
		return state, err
	}
	s.log.Debug("container spawner poll", "user", owner, "process", name, "state", state)
	return state, nil
}

// Launch starts the slot container and waits for its port.
func (s *Spawner) Launch(ctx context.Context, req core.LaunchRequest) (core.LaunchResult, error) {
	if req.Owner == "" || req.Name == "" {
		return core.LaunchResult{}, errors.New("owner and name are required")
	}
	container := ContainerName(req.Owner, req.Name)
	log := s.log.With("user", req.Owner, "process", req.Name, "container", container)

	s.mu.Lock()
	if _, busy := s.pending[container]; busy {
		s.mu.Unlock()
		return core.LaunchResult{}, fmt.Errorf("%w: %s", core.ErrSpawnPending, req.Name)
	}
	s.pending[container] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, container)
		s.mu.Unlock()
	}()

	status, err := s.yard.Inspect(ctx, container)
	if err != nil {
		log.Warn("container spawner inspect failed", "err", err)
		return core.LaunchResult{}, err
	}
	switch status {
	case shipohoy.StatusRunning:
		log.Debug("container spawner launch skipped", "reason", "running")
		return core.LaunchResult{Name: req.Name, State: schema.BackendRunning, URL: s.url(container)}, nil
	case shipohoy.StatusStopped, shipohoy.StatusCreated:
		// A dormant container still carries the options of its previous build.
		if err := s.yard.Discharge(ctx, container); err != nil {
			log.Warn("container spawner launch failed", "reason", "discharge stale container", "err", err)
			return core.LaunchResult{}, err
		}
		log.Info("container spawner stale container discharged", "status", status)
	}

	port, err := s.portFor(container)
	if err != nil {
		return core.LaunchResult{}, err
	}
	opts := schema.LaunchOptionsFromMap(req.Options)
	spec := shipohoy.ContainerSpec{
		Name:  container,
		Image: s.cfg.Image,
		Env:   containerEnv(opts, port),
		Labels: map[string]string{
			labelOwner:   string(req.Owner),
			labelProcess: string(req.Name),
		},
		Command:        expandCommand(s.command(opts), opts, port),
		ResourceCaps:   s.caps,
		HostNetwork:    s.cfg.HostNetwork,
		LogBufferBytes: s.cfg.LogBufferBytes,
	}
	log.Info("container spawner launch start", "image", spec.Image, "port", port)
	handle, err := s.yard.ShipOut(ctx, spec)
	if err != nil {
		log.Warn("container spawner launch failed", "err", err)
		return core.LaunchResult{}, err
	}
	wait := shipohoy.WaitPortSpec{
		Address:       "127.0.0.1",
		Port:          port,
		Timeout:       s.cfg.ReadyTimeout,
		NetNSFallback: !s.cfg.HostNetwork,
	}
	if err := s.yard.WaitForPort(ctx, handle, wait); err != nil {
		err = s.withStderr(ctx, container, err)
		log.Warn("container spawner launch failed", "err", err)
		s.discardFailed(ctx, container)
		return core.LaunchResult{}, err
	}
	log.Info("container spawner launch ok")
	return core.LaunchResult{Name: req.Name, State: schema.BackendRunning, URL: s.url(container)}, nil
}

func (s *Spawner) mapStatus(container string, status shipohoy.ContainerStatus) schema.BackendState {
	if s.isPending(container) {
		return schema.BackendPending
	}
	switch status {
	case shipohoy.StatusRunning:
		return schema.BackendRunning
	case shipohoy.StatusCreated:
		return schema.BackendPending
	case shipohoy.StatusStopped:
		return schema.BackendDormant
	default:
		return schema.BackendAbsent
	}
}

func (s *Spawner) isPending(container string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[container]
	return ok
}

func (s *Spawner) command(opts schema.LaunchOptions) []string {
	if len(opts.Command) > 0 {
		return opts.Command
	}
	return s.cfg.Command
}

// portFor returns the backend port. Host-network containers share the host
// port space, so each one gets a free port of its own.
func (s *Spawner) portFor(container string) (int, error) {
	if !s.cfg.HostNetwork {
		return s.cfg.Port, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if port, ok := s.ports[container]; ok {
		return port, nil
	}
	port, err := freePort()
	if err != nil {
		return 0, fmt.Errorf("allocate backend port: %w", err)
	}
	s.ports[container] = port
	return port, nil
}

func (s *Spawner) url(container string) string {
	if !s.cfg.HostNetwork {
		return ""
	}
	s.mu.Lock()
	port, ok := s.ports[container]
	s.mu.Unlock()
	if !ok {
		return ""
	}
	return "http://127.0.0.1:" + strconv.Itoa(port)
}

// discardFailed removes a container that never became ready so the next
// launch starts from a clean slot.
func (s *Spawner) discardFailed(ctx context.Context, container string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.yard.Discharge(cleanupCtx, container); err != nil {
		s.log.Warn("container spawner cleanup failed", "container", container, "err", err)
		return
	}
	s.mu.Lock()
	delete(s.ports, container)
	s.mu.Unlock()
}

func (s *Spawner) withStderr(ctx context.Context, container string, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return cause
	}
	tailCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, stderr, err := s.yard.TailLogs(tailCtx, container, stderrTailLines)
	if err != nil || len(stderr) == 0 {
		return fmt.Errorf("backend not ready: %w", cause)
	}
	return fmt.Errorf("backend not ready: %w; stderr: %s", cause, strings.Join(stderr, "\n"))
}

// containerEnv layers preset env under the launch environment.
func containerEnv(opts schema.LaunchOptions, port int) map[string]string {
	env := make(map[string]string, len(opts.Environment)+4)
	if preset, ok := opts.Extra[schema.OptionPresentationEnv].(map[string]any); ok {
		for k, v := range preset {
			if s, ok := v.(string); ok {
				env[k] = s
			}
		}
	}
	for k, v := range opts.Environment {
		env[k] = v
	}
	env["SHOWCASE_PORT"] = strconv.Itoa(port)
	env["SHOWCASE_PRESENTATION_TYPE"] = string(opts.PresentationType)
	env["SHOWCASE_PRESENTATION_PATH"] = opts.PresentationPath
	if args := presetArgs(opts); len(args) > 0 {
		env["SHOWCASE_PRESENTATION_ARGS"] = strings.Join(args, " ")
	}
	return env
}

func presetArgs(opts schema.LaunchOptions) []string {
	raw, ok := opts.Extra[schema.OptionPresentationArgs].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// expandCommand substitutes {port}, {presentation_path} and
// {presentation_type}, then appends preset args. A command that never
// mentions {port} gets --port appended.
func expandCommand(command []string, opts schema.LaunchOptions, port int) []string {
	if len(command) == 0 {
		return nil
	}
	replacer := strings.NewReplacer(
		"{port}", strconv.Itoa(port),
		"{presentation_path}", opts.PresentationPath,
		"{presentation_type}", string(opts.PresentationType),
	)
	out := make([]string, 0, len(command)+1)
	sawPort := false
	for _, arg := range command {
		if strings.Contains(arg, "{port}") {
			sawPort = true
		}
		out = append(out, replacer.Replace(arg))
	}
	out = append(out, presetArgs(opts)...)
	if !sawPort {
		out = append(out, "--port="+strconv.Itoa(port))
	}
	return out
}

func sanitizeName(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	var b strings.Builder
	lastDash := false
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "x"
	}
	return out
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
