package dnsprovider

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const defaultExecTimeout = 60 * time.Second

// execProvider shells out to an operator-supplied zone update command, the
// escape hatch for in-house DNS setups. Credentials: cmd, optional
// timeout_sec. The command is invoked as
//
//	cmd --zone <zone> --add <fqdn> <value> <ttl>
//	cmd --zone <zone> --remove <fqdn> <value>
//
// and must exit 0 on success.
type execProvider struct {
	cmd     string
	timeout time.Duration
}

func newExec(credentials map[string]string) (*execProvider, error) {
	cmd, err := credential(credentials, "cmd")
	if err != nil {
		return nil, err
	}
	p := &execProvider{cmd: cmd, timeout: defaultExecTimeout}
	if raw := credentials["timeout_sec"]; raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("timeout_sec %q: %w", raw, ErrMissingCredential)
		}
		p.timeout = time.Duration(secs) * time.Second
	}
	return p, nil
}

func (p *execProvider) AddTXT(ctx context.Context, zone, fqdn, value string, ttl int) error {
	return p.run(ctx, "--zone", zone, "--add", fqdn, value, strconv.Itoa(ttl))
}

func (p *execProvider) RemoveTXT(ctx context.Context, zone, fqdn, value string) error {
	return p.run(ctx, "--zone", zone, "--remove", fqdn, value)
}

// Nameservers defers to live discovery, only the operator's command knows
// the zone.
func (p *execProvider) Nameservers(ctx context.Context, zone string) ([]string, error) {
	return nil, nil
}

func (p *execProvider) run(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.cmd, args...).CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if len(detail) > 200 {
			detail = detail[:200]
		}
		return fmt.Errorf("error running %s %s: %s: %w", p.cmd, strings.Join(args, " "), detail, err)
	}
	logger.Debug().Str("cmd", p.cmd).Strs("args", args).Msg("zone update command succeeded")
	return nil
}
