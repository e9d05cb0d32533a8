package backend

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/martinsuchenak/emud/internal/log"
)

// defaultChassis maps a dynamips platform to the chassis used when the
// caller leaves it unset.
var defaultChassis = map[string]string{
	"c1700": "1720",
	"c2600": "2610",
	"c3600": "3640",
}

var idlepcFormat = regexp.MustCompile(`^0x[0-9a-fA-F]{1,16}$`)

// idlepcProposal matches one line of dynamips idle-pc sampling output,
// e.g. "0x60606f54 [22]".
var idlepcProposal = regexp.MustCompile(`(0x[0-9a-fA-F]+)\s*\[(\d+)\]`)

// DynamipsDriver runs a Cisco IOS router under the dynamips emulator.
// The emulator is driven over its line-oriented hypervisor TCP channel.
type DynamipsDriver struct {
	*procDriver
}

// NewDynamips builds a dynamips router driver, filling in the default
// chassis for platforms that have one.
func NewDynamips(nodeID string, settings map[string]any) (Driver, error) {
	platform := strSetting(settings, "platform", "c7200")
	if strSetting(settings, "chassis", "") == "" {
		if chassis, ok := defaultChassis[platform]; ok {
			settings["chassis"] = chassis
		}
	}
	return &DynamipsDriver{procDriver: newProc(nodeID, "dynamips", settings)}, nil
}

func (d *DynamipsDriver) Start(ctx context.Context) error {
	image := d.setting("image", "")
	args := []string{
		"-H", strconv.Itoa(d.hypervisorPort()),
		"-P", strings.TrimPrefix(d.setting("platform", "c7200"), "c"),
		"-N", d.nodeID,
	}
	if idlepc := d.setting("idlepc", ""); idlepc != "" {
		args = append(args, "--idle-pc", idlepc)
	}
	args = append(args, image)
	return d.start(ctx, d.setting("dynamips_path", "dynamips"), args)
}

func (d *DynamipsDriver) Suspend(ctx context.Context) error { return d.suspend(ctx) }
func (d *DynamipsDriver) Resume(ctx context.Context) error  { return d.resume(ctx) }

func (d *DynamipsDriver) Layout() PortLayout {
	return PortLayout{
		Adapters:        d.intSetting("adapters", 2),
		PortsPerAdapter: d.intSetting("ports_per_adapter", 4),
	}
}

func (d *DynamipsDriver) hypervisorPort() int {
	return d.intSetting("hypervisor_port", 7200)
}

// ProposeIdle samples idle-pc candidates over the hypervisor channel,
// ranked best-first by the emulator's own hit count. A router that is
// not running yields an empty proposal set, not an error.
func (d *DynamipsDriver) ProposeIdle(ctx context.Context) ([]IdleCandidate, error) {
	if !d.Alive() {
		return nil, nil
	}
	lines, err := d.hypervisor(ctx, fmt.Sprintf("vm get_idle_pc_prop %s 0", d.nodeID))
	if err != nil {
		return nil, fmt.Errorf("idle-pc sampling: %w", err)
	}

	var candidates []IdleCandidate
	for _, line := range lines {
		m := idlepcProposal.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		score, _ := strconv.Atoi(m[2])
		candidates = append(candidates, IdleCandidate{Value: m[1], Score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates, nil
}

// ApplyIdle validates the candidate value and, when the router is
// running, pushes it live. Either way it takes effect from the next
// start through the stored settings.
func (d *DynamipsDriver) ApplyIdle(value string) error {
	if !idlepcFormat.MatchString(value) {
		return fmt.Errorf("%w: malformed idle-pc value %q", ErrInvalidSetting, value)
	}
	if d.Alive() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := d.hypervisor(ctx, fmt.Sprintf("vm set_idle_pc %s %s", d.nodeID, value)); err != nil {
			return fmt.Errorf("applying idle-pc: %w", err)
		}
	}
	return nil
}

// hypervisor sends one command over the dynamips control channel and
// collects the "100-" payload lines until the terminating status line.
func (d *DynamipsDriver) hypervisor(ctx context.Context, command string) ([]string, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(d.hypervisorPort()))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing hypervisor %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return nil, fmt.Errorf("sending hypervisor command: %w", err)
	}

	var payload []string
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading hypervisor reply: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "100-") {
			payload = append(payload, strings.TrimPrefix(line, "100-"))
			continue
		}
		if len(line) >= 4 && line[3] == ' ' {
			if strings.HasPrefix(line, "100 ") {
				return payload, nil
			}
			return nil, fmt.Errorf("hypervisor refused %q: %s", command, line)
		}
		log.Debug("unexpected hypervisor line", "node_id", d.nodeID, "line", line)
	}
}
