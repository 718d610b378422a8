// Package pkeydaemon watches the fabric manager's partition-key directory
// and renders the subnet manager's partition configuration file from it,
// replacing the original's shelled-out file copy + psutil signal loop with
// an embedded watch/render/signal cycle.
package pkeydaemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"syscall"
	"text/template"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/shirou/gopsutil/v3/process"
	"gopkg.in/yaml.v3"

	"github.com/clusterkit/netprov/pkg/kv"
	"github.com/clusterkit/netprov/pkg/log"
	"github.com/clusterkit/netprov/pkg/metrics"
)

const (
	pkeysDir      = "global/opensm"
	guidChunkSize = 128
)

var pkeyKeyRe = regexp.MustCompile(`^0x[0-9a-fA-F]{4}$`)

var pkeyEntrySchema = map[string]any{
	"$id":  "netprov://pkey-entry",
	"type": "object",
	"properties": map[string]any{
		"host_guids": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string", "pattern": "^0x[0-9a-fA-F]{1,16}$"},
		},
		"vf_guids": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string", "pattern": "^0x[0-9a-fA-F]{1,16}$"},
		},
	},
	"required": []any{"host_guids", "vf_guids"},
}

// Config configures one daemon instance. It is built once per fabric
// manager (one InfiniBand subnet = one configured opensm-daemon name).
type Config struct {
	Store             kv.Store
	TemplatePath      string
	TargetPath        string
	SubnetManagerName string
	PollTimeout       time.Duration
}

// Daemon runs the single-threaded watch/render/signal event loop.
type Daemon struct {
	cfg    Config
	schema *jsonschema.Schema
}

// New compiles the pkey-entry schema and returns a ready-to-run daemon.
func New(cfg Config) (*Daemon, error) {
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("netprov://pkey-entry", pkeyEntrySchema); err != nil {
		return nil, fmt.Errorf("add pkey-entry schema resource: %w", err)
	}
	sch, err := c.Compile("netprov://pkey-entry")
	if err != nil {
		return nil, fmt.Errorf("compile pkey-entry schema: %w", err)
	}
	return &Daemon{cfg: cfg, schema: sch}, nil
}

// Run loops: list+validate+render+signal, then long-poll for the next
// directory change. It returns only when ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	logger := log.WithComponent("pkeydaemon")
	for {
		n, err := d.renderOnce(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("render cycle failed")
			metrics.PkeyDaemonRenderErrorsTotal.Inc()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, err = d.cfg.Store.WaitChildCount(ctx, pkeysDir, "", n+1, d.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Timeout or transient KV error: re-enter the loop from the
			// current state rather than treat it as fatal.
			continue
		}
	}
}

// renderOnce performs one list → validate → render → signal cycle and
// returns the number of child keys observed, used to size the next wait.
func (d *Daemon) renderOnce(ctx context.Context) (int, error) {
	entries, err := d.cfg.Store.ListDir(ctx, pkeysDir, "")
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", pkeysDir, err)
	}

	logger := log.WithComponent("pkeydaemon")
	var keys []string
	for k := range entries {
		if pkeyKeyRe.MatchString(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var valid []pkeyEntry
	for _, k := range keys {
		var raw map[string]any
		if err := yaml.Unmarshal(entries[k], &raw); err != nil {
			logger.Warn().Str("pkey", k).Err(err).Msg("skip malformed pkey entry")
			continue
		}
		if err := d.schema.Validate(raw); err != nil {
			logger.Warn().Str("pkey", k).Err(err).Msg("skip invalid pkey entry")
			continue
		}
		var pe pkeyEntry
		if err := yaml.Unmarshal(entries[k], &pe); err != nil {
			logger.Warn().Str("pkey", k).Err(err).Msg("skip unparseable pkey entry")
			continue
		}
		pe.hex = k
		valid = append(valid, pe)
	}

	if err := d.render(valid); err != nil {
		return len(keys), fmt.Errorf("render partition file: %w", err)
	}
	metrics.PkeyDaemonRendersTotal.Inc()
	metrics.PkeysActive.Set(float64(len(valid)))

	d.signalSubnetManager()
	return len(keys), nil
}

type pkeyEntry struct {
	hex       string
	HostGUIDs []string `yaml:"host_guids"`
	VFGUIDs   []string `yaml:"vf_guids"`
}

// render copies the template verbatim, then appends, for each valid pkey,
// one generated line per 128-GUID chunk of its VF GUIDs and one per chunk of
// its host GUIDs, and replaces the target path atomically.
func (d *Daemon) render(entries []pkeyEntry) error {
	tplData, err := os.ReadFile(d.cfg.TemplatePath)
	if err != nil {
		return fmt.Errorf("read template %s: %w", d.cfg.TemplatePath, err)
	}
	// The template is copied verbatim (no placeholders); parsing it through
	// text/template still validates it is well-formed before it is shipped.
	if _, err := template.New("partition").Parse(string(tplData)); err != nil {
		return fmt.Errorf("parse template %s: %w", d.cfg.TemplatePath, err)
	}

	dir := filepath.Dir(d.cfg.TargetPath)
	tmp, err := os.CreateTemp(dir, ".partition-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(tplData); err != nil {
		tmp.Close()
		return fmt.Errorf("write template contents: %w", err)
	}
	for _, e := range entries {
		if err := writePkeyLines(tmp, e); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, d.cfg.TargetPath); err != nil {
		return fmt.Errorf("rename into place at %s: %w", d.cfg.TargetPath, err)
	}
	return nil
}

func writePkeyLines(w *os.File, e pkeyEntry) error {
	for _, chunk := range chunkGUIDs(e.VFGUIDs, guidChunkSize) {
		line := fmt.Sprintf("PK_%s=%s, ipoib , indx0 : %s ;\n", e.hex, e.hex, joinGUIDs(chunk))
		if _, err := w.WriteString(line); err != nil {
			return err
		}
	}
	for _, chunk := range chunkGUIDs(e.HostGUIDs, guidChunkSize) {
		line := fmt.Sprintf("PK_%s=%s: %s ;\n", e.hex, e.hex, joinGUIDs(chunk))
		if _, err := w.WriteString(line); err != nil {
			return err
		}
	}
	return nil
}

func chunkGUIDs(guids []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(guids); i += size {
		end := i + size
		if end > len(guids) {
			end = len(guids)
		}
		out = append(out, guids[i:end])
	}
	return out
}

func joinGUIDs(guids []string) string {
	s := ""
	for i, g := range guids {
		if i > 0 {
			s += ", "
		}
		s += g
	}
	return s
}

// signalSubnetManager sends SIGHUP to every running process whose name
// matches the configured subnet manager daemon, so it reloads the
// partition file this cycle just wrote.
func (d *Daemon) signalSubnetManager() {
	logger := log.WithComponent("pkeydaemon")
	procs, err := process.Processes()
	if err != nil {
		logger.Warn().Err(err).Msg("enumerate processes for signal")
		metrics.PkeyDaemonSignalsTotal.WithLabelValues("enumerate_error").Inc()
		return
	}
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name != d.cfg.SubnetManagerName {
			continue
		}
		if err := syscall.Kill(int(p.Pid), syscall.SIGHUP); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				continue
			}
			logger.Warn().Err(err).Int32("pid", p.Pid).Msg("signal subnet manager failed")
			metrics.PkeyDaemonSignalsTotal.WithLabelValues("error").Inc()
			continue
		}
		metrics.PkeyDaemonSignalsTotal.WithLabelValues("ok").Inc()
	}
}
