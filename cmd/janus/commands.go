package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/janus"
	"github.com/loykin/janus/internal/auth"
	"github.com/loykin/janus/pkg/client"
)

type command struct {
	flags  *GlobalFlags
	out    io.Writer
	errOut io.Writer
}

func (c *command) loadConfig() (*janus.Config, error) {
	cfg, err := janus.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// apiURL resolves the control API address: --api-url, then the [control]
// section of the config, then the default.
func (c *command) apiURL() string {
	if c.flags.APIUrl != "" {
		return c.flags.APIUrl
	}
	if cfg, err := janus.LoadConfig(c.flags.ConfigPath); err == nil && cfg.Settings.Control.Listen != "" {
		ctl := cfg.Settings.Control
		return controlURL(ctl.Listen, ctl.BasePath, ctl.TLS.Enabled)
	}
	return client.DefaultBaseURL
}

// controlURL turns a listen address into a URL reachable from this host.
func controlURL(listen, basePath string, secure bool) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return client.DefaultBaseURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	bp := strings.TrimRight(basePath, "/")
	if bp != "" && !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	scheme := "http://"
	if secure {
		scheme = "https://"
	}
	return scheme + net.JoinHostPort(host, port) + bp
}

func (c *command) apiClient() *client.Client {
	cfg := client.Config{BaseURL: c.apiURL(), Timeout: c.flags.APITimeout, Token: c.flags.APIToken}
	if c.flags.APIInsecure {
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 opt-in via --api-insecure
	}
	return client.New(cfg)
}

// Run is the foreground supervisor.
func (c *command) Run(ctx context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	return janus.RunConfig(ctx, cfg, janus.RunOptions{Stdout: c.out, Stderr: c.errOut})
}

// Start asks a running supervisor to start everything, or becomes the
// supervisor when none answers.
func (c *command) Start(ctx context.Context) error {
	cl := c.apiClient()
	if !cl.IsReachable(ctx) {
		_, _ = fmt.Fprintln(c.errOut, "no supervisor reachable, running in the foreground")
		return c.Run(ctx)
	}
	if err := cl.Start(ctx); err != nil {
		return err
	}
	return c.printStatus(ctx, cl, StatusFlags{})
}

func (c *command) Stop(ctx context.Context, f StopFlags) error {
	cl := c.apiClient()
	if err := cl.Stop(ctx, f.Timeout); err != nil {
		return err
	}
	return c.printStatus(ctx, cl, StatusFlags{})
}

func (c *command) Restart(ctx context.Context, f StopFlags) error {
	cl := c.apiClient()
	if err := cl.Restart(ctx, f.Timeout); err != nil {
		return err
	}
	return c.printStatus(ctx, cl, StatusFlags{})
}

func (c *command) StartOne(ctx context.Context, name string) error {
	cl := c.apiClient()
	if err := cl.StartOne(ctx, name); err != nil {
		return err
	}
	return c.printStatus(ctx, cl, StatusFlags{Name: name})
}

func (c *command) StopOne(ctx context.Context, name string, f StopFlags) error {
	cl := c.apiClient()
	if err := cl.StopOne(ctx, name, f.Timeout); err != nil {
		return err
	}
	return c.printStatus(ctx, cl, StatusFlags{Name: name})
}

func (c *command) RestartOne(ctx context.Context, name string, f StopFlags) error {
	cl := c.apiClient()
	if err := cl.RestartOne(ctx, name, f.Timeout); err != nil {
		return err
	}
	return c.printStatus(ctx, cl, StatusFlags{Name: name})
}

func (c *command) Signal(ctx context.Context, name, sig string) error {
	if err := c.apiClient().Signal(ctx, name, sig); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "sent %s to %s\n", sig, name)
	return nil
}

func (c *command) Status(ctx context.Context, f StatusFlags) error {
	return c.printStatus(ctx, c.apiClient(), f)
}

func (c *command) printStatus(ctx context.Context, cl *client.Client, f StatusFlags) error {
	var sts []client.ProcessStatus
	if f.Name != "" {
		st, err := cl.StatusOne(ctx, f.Name)
		if err != nil {
			return err
		}
		sts = []client.ProcessStatus{st}
	} else {
		all, err := cl.Status(ctx)
		if err != nil {
			return err
		}
		sts = all
	}
	if f.JSON {
		if f.Name != "" {
			return printJSON(c.out, sts[0])
		}
		return printJSON(c.out, sts)
	}
	return writeStatusTable(c.out, sts, time.Now())
}

func (c *command) Events(ctx context.Context, f EventsFlags) error {
	evs, err := c.apiClient().Events(ctx, f.Limit)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(c.out, evs)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tNAME\tFROM\tTO\tPID\tEXIT\tERROR")
	for _, e := range evs {
		r := e.Record
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.OccurredAt.Format(time.RFC3339), r.Name, r.From, r.To, pidCell(r.PID), eventExit(r), r.Error)
	}
	return tw.Flush()
}

// Validate loads the config and checks every process definition.
func (c *command) Validate(path string) error {
	cfg, err := janus.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if _, err := cfg.Registry(); err != nil {
		return err
	}
	if len(cfg.Specs) == 0 {
		return errors.New("config declares no processes")
	}
	_, _ = fmt.Fprintf(c.out, "%s: OK, %d process(es): %s\n", cfg.Path, len(cfg.Specs), strings.Join(cfg.Names(), ", "))
	return nil
}

// HashToken prints the bcrypt hash of token, reading it from in when empty.
func (c *command) HashToken(in io.Reader, token string) error {
	if token == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(line)
	}
	h, err := auth.HashToken(token)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, h)
	return nil
}

func writeStatusTable(w io.Writer, sts []client.ProcessStatus, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tPID\tRESTARTS\tLAST EXIT\tSINCE\tERROR")
	for _, st := range sts {
		state := st.State
		if st.RestartPending {
			state += " (restart pending)"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			st.Name, state, pidCell(st.PID), st.RestartCount, exitCell(st.LastExitStatus), sinceCell(st.Since, now), st.LastError)
	}
	return tw.Flush()
}

func pidCell(pid int) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprint(pid)
}

func exitCell(e *client.ExitStatus) string {
	switch {
	case e == nil:
		return "-"
	case e.Signal != "":
		return "signal " + e.Signal
	default:
		return fmt.Sprintf("code %d", e.Code)
	}
}

func eventExit(r client.EventRecord) string {
	switch {
	case r.ExitSignal != "":
		return "signal " + r.ExitSignal
	case r.ExitCode != nil:
		return fmt.Sprintf("code %d", *r.ExitCode)
	default:
		return "-"
	}
}

func sinceCell(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String()
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
