package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vesaa/plantwatch/internal/config"
	"github.com/vesaa/plantwatch/internal/gateway"
	"github.com/vesaa/plantwatch/internal/logger"
	"github.com/vesaa/plantwatch/internal/models"
	"github.com/vesaa/plantwatch/internal/realtime"
	"github.com/vesaa/plantwatch/internal/reducer"
	"github.com/vesaa/plantwatch/internal/session"
)

// clientCommands are the terminal counterparts of the dashboard: they talk
// to the backend directly with the credentials remembered by "login".
func clientCommands() []*cobra.Command {
	// ── login ─────────────────────────────────────────────────────────────────
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Check credentials against the backend and remember them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sessions, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer sessions.Close()

			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			user, err := newGateway(cfg, gateway.Session{}).Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			if user.Username == "" {
				user.Username = username
			}
			if err := sessions.Save(*user, password); err != nil {
				return err
			}
			fmt.Printf("  ✓ Logged in as %s (id %s)\n", user.Username, user.ID)
			return nil
		},
	}
	loginCmd.Flags().StringP("username", "u", "", "Backend username")
	loginCmd.Flags().StringP("password", "p", "", "Backend password")
	_ = loginCmd.MarkFlagRequired("username")
	_ = loginCmd.MarkFlagRequired("password")

	// ── logout ────────────────────────────────────────────────────────────────
	logoutCmd := &cobra.Command{
		Use:   "logout [username]",
		Short: "Forget stored credentials (the most recent login by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sessions, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer sessions.Close()

			username := ""
			if len(args) == 1 {
				username = args[0]
			} else {
				sess, err := sessions.Latest()
				if err != nil {
					return notLoggedIn(err)
				}
				username = sess.Username
			}
			if err := sessions.Delete(username); err != nil {
				return notLoggedIn(err)
			}
			fmt.Printf("  ✓ Logged out %s\n", username)
			return nil
		},
	}

	// ── register ──────────────────────────────────────────────────────────────
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Create a backend account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var req models.AuthRequest
			req.Username, _ = cmd.Flags().GetString("username")
			req.Password, _ = cmd.Flags().GetString("password")
			req.Email, _ = cmd.Flags().GetString("email")

			msg, err := newGateway(cfg, gateway.Session{}).Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("  ✓ %s\n", msg)
			return nil
		},
	}
	registerCmd.Flags().StringP("username", "u", "", "Username")
	registerCmd.Flags().StringP("password", "p", "", "Password")
	registerCmd.Flags().String("email", "", "E-mail address")
	_ = registerCmd.MarkFlagRequired("username")
	_ = registerCmd.MarkFlagRequired("password")

	// ── devices ───────────────────────────────────────────────────────────────
	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List your devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, _, err := sessionGateway(cmd)
			if err != nil {
				return err
			}
			devices, err := gw.ListDevices(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PLANT ID\tNAME\tACTIVE\tLAST DATA")
			for _, d := range devices {
				last := "never"
				if t := d.LastSeen(); !t.IsZero() {
					last = t.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", d.PlantID, d.Name, d.IsActive, last)
			}
			return w.Flush()
		},
	}
	devicesAddCmd := &cobra.Command{
		Use:   "add <plantId> <name>",
		Short: "Register a device under your account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, sess, err := sessionGateway(cmd)
			if err != nil {
				return err
			}
			dev, err := gw.CreateDevice(cmd.Context(), args[0], args[1], sess.UserID)
			if err != nil {
				return err
			}
			fmt.Printf("  ✓ Device %s (%s) registered\n", dev.PlantID, dev.Name)
			return nil
		},
	}
	devicesCmd.AddCommand(devicesAddCmd)

	// ── water ─────────────────────────────────────────────────────────────────
	waterCmd := &cobra.Command{
		Use:   "water <plantId>",
		Short: "Send a watering command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, _, err := sessionGateway(cmd)
			if err != nil {
				return err
			}
			ack, err := gw.SendCommand(cmd.Context(), args[0], models.CommandWater)
			if err != nil {
				return err
			}
			fmt.Printf("  ✓ %s\n", ack)
			return nil
		},
	}

	// ── thresholds ────────────────────────────────────────────────────────────
	thresholdsCmd := &cobra.Command{
		Use:   "thresholds <plantId>",
		Short: "Show or change a device's alert thresholds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, _, err := sessionGateway(cmd)
			if err != nil {
				return err
			}
			dev, err := findDevice(cmd, gw, args[0])
			if err != nil {
				return err
			}

			patch := thresholdPatch(cmd)
			if patch.Empty() {
				printThresholds(dev.Thresholds())
				return nil
			}
			if err := dev.Thresholds().Apply(patch).Validate(); err != nil {
				return err
			}
			updated, err := gw.UpdateThresholds(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			fmt.Println("  ✓ Thresholds saved")
			printThresholds(updated.Thresholds())
			return nil
		},
	}
	for _, f := range thresholdFlags {
		thresholdsCmd.Flags().Float64(f.name, 0, f.usage)
	}

	// ── watch ─────────────────────────────────────────────────────────────────
	watchCmd := &cobra.Command{
		Use:   "watch <plantId>",
		Short: "Follow a device live in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sessions, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer sessions.Close()
			sess, err := sessions.Latest()
			if err != nil {
				return notLoggedIn(err)
			}

			opts := viewOptions(cfg)
			if p, _ := cmd.Flags().GetString("period"); p != "" {
				if !reducer.ValidPeriod(p) {
					return fmt.Errorf("%w: %s", reducer.ErrInvalidPeriod, p)
				}
				opts.Period = p
			}

			var sub reducer.Subscriber
			if cfg.WSURL != "" {
				sub = realtime.NewClient(realtime.Options{
					URL:            cfg.WSURL,
					Username:       sess.Username,
					Password:       sess.Password,
					ReconnectDelay: cfg.ReconnectDelay(),
					MaxRetries:     cfg.MaxReconnectRetries,
					HeartBeat:      10 * time.Second,
					Logger:         logger.WithComponent("realtime"),
				})
			}
			r := reducer.New(args[0], newGateway(cfg, sess), sub, opts)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			updates, cancel := r.Subscribe()
			defer cancel()
			go func() { _ = r.Run(ctx) }()

			fmt.Printf("  ► Watching %s as %s (Ctrl-C to stop)\n\n", args[0], sess.Username)
			printer := &watchPrinter{seen: make(map[string]bool)}
			for u := range updates {
				switch {
				case u.Notice != nil:
					fmt.Fprintf(os.Stderr, "  ! %s: %s\n", u.Notice.Op, u.Notice.Message)
				case u.Snapshot != nil:
					printer.print(u.Snapshot)
				}
			}
			<-r.Done()
			return nil
		},
	}
	watchCmd.Flags().String("period", "", "History window: "+strings.Join(reducer.Periods, ", "))

	return []*cobra.Command{loginCmd, logoutCmd, registerCmd, devicesCmd, waterCmd, thresholdsCmd, watchCmd}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func openStore(cmd *cobra.Command) (*config.Config, *session.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	sessions, err := session.Open(cfg.DBDriver, cfg.DBPath, cfg.SessionSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("opening session store: %w", err)
	}
	return cfg, sessions, nil
}

// sessionGateway returns a backend client authenticated as the most recent
// login.
func sessionGateway(cmd *cobra.Command) (*gateway.Client, gateway.Session, error) {
	cfg, sessions, err := openStore(cmd)
	if err != nil {
		return nil, gateway.Session{}, err
	}
	defer sessions.Close()

	sess, err := sessions.Latest()
	if err != nil {
		return nil, gateway.Session{}, notLoggedIn(err)
	}
	return newGateway(cfg, sess), sess, nil
}

func newGateway(cfg *config.Config, sess gateway.Session) *gateway.Client {
	opts := []gateway.Option{gateway.WithLogger(logger.WithComponent("gateway"))}
	if sess.Username != "" {
		opts = append(opts, gateway.WithSession(sess))
	}
	return gateway.New(cfg.APIURL, opts...)
}

func viewOptions(cfg *config.Config) reducer.Options {
	return reducer.Options{
		PollInterval:    cfg.PollInterval(),
		HistoryLimit:    cfg.HistoryLimit,
		LogLimit:        cfg.LogLimit,
		Period:          cfg.DefaultPeriod,
		ClusterWindow:   cfg.ClusterWindow,
		WateringTimeout: cfg.WateringTimeout(),
		Logger:          logger.WithComponent("view"),
	}
}

func notLoggedIn(err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return errors.New("not logged in, run \"plantwatch login\" first")
	}
	return err
}

func findDevice(cmd *cobra.Command, gw *gateway.Client, plantID string) (*models.Device, error) {
	devices, err := gw.ListDevices(cmd.Context())
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].PlantID == plantID {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("device %s not found", plantID)
}

var thresholdFlags = []struct {
	name  string
	usage string
	field func(p *models.ThresholdPatch) **float64
}{
	{"min-soil", "Minimum soil humidity (%)", func(p *models.ThresholdPatch) **float64 { return &p.MinSoilHumidity }},
	{"max-soil", "Maximum soil humidity (%)", func(p *models.ThresholdPatch) **float64 { return &p.MaxSoilHumidity }},
	{"min-humidity", "Minimum ambient humidity (%)", func(p *models.ThresholdPatch) **float64 { return &p.MinHumidity }},
	{"max-humidity", "Maximum ambient humidity (%)", func(p *models.ThresholdPatch) **float64 { return &p.MaxHumidity }},
	{"min-temp", "Minimum temperature (°C)", func(p *models.ThresholdPatch) **float64 { return &p.MinTempC }},
	{"max-temp", "Maximum temperature (°C)", func(p *models.ThresholdPatch) **float64 { return &p.MaxTempC }},
	{"min-light", "Minimum light (lx)", func(p *models.ThresholdPatch) **float64 { return &p.MinLightLux }},
	{"max-light", "Maximum light (lx)", func(p *models.ThresholdPatch) **float64 { return &p.MaxLightLux }},
}

// thresholdPatch collects only the flags the user actually set.
func thresholdPatch(cmd *cobra.Command) models.ThresholdPatch {
	var patch models.ThresholdPatch
	for _, f := range thresholdFlags {
		if !cmd.Flags().Changed(f.name) {
			continue
		}
		v, _ := cmd.Flags().GetFloat64(f.name)
		*f.field(&patch) = models.Float(v)
	}
	return patch
}

func printThresholds(th models.Thresholds) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METRIC\tMIN\tMAX")
	fmt.Fprintf(w, "soil humidity\t%.0f\t%.0f\n", th.SoilHumidity.Min, th.SoilHumidity.Max)
	fmt.Fprintf(w, "ambient humidity\t%.0f\t%.0f\n", th.AmbientHumidity.Min, th.AmbientHumidity.Max)
	fmt.Fprintf(w, "temperature\t%.1f\t%.1f\n", th.Temperature.Min, th.Temperature.Max)
	fmt.Fprintf(w, "light\t%.0f\t%.0f\n", th.Light.Min, th.Light.Max)
	_ = w.Flush()
}

// watchPrinter writes each new activity log line once and a status line
// whenever the connection state changes.
type watchPrinter struct {
	seen  map[string]bool
	state realtime.State
}

func (p *watchPrinter) print(s *reducer.Snapshot) {
	if s.Connection.State != p.state {
		p.state = s.Connection.State
		fmt.Printf("  [%s] %s\n", p.state, kpiLine(s))
	}
	for _, e := range s.Log {
		if p.seen[e.ID] {
			continue
		}
		p.seen[e.ID] = true
		fmt.Printf("  %s %-5s %s\n", e.Time, e.Kind, e.Message)
	}
	// Log IDs only ever grow; forget those that scrolled out.
	if len(p.seen) > 4*len(s.Log)+16 {
		keep := make(map[string]bool, len(s.Log))
		for _, e := range s.Log {
			keep[e.ID] = true
		}
		p.seen = keep
	}
}

func kpiLine(s *reducer.Snapshot) string {
	var parts []string
	if v := s.KPI.Temperature; v != nil {
		parts = append(parts, fmt.Sprintf("T %.1f°C", *v))
	}
	if v := s.KPI.SoilHumidity; v != nil {
		parts = append(parts, fmt.Sprintf("soil %.0f%%", *v))
	}
	if v := s.KPI.AmbientHumidity; v != nil {
		parts = append(parts, fmt.Sprintf("air %.0f%%", *v))
	}
	if v := s.KPI.Light; v != nil {
		parts = append(parts, fmt.Sprintf("light %.0f lx (%s)", *v, s.LightDescription))
	}
	if v := s.KPI.HealthIndex; v != nil {
		parts = append(parts, fmt.Sprintf("health %.0f %s", *v, s.Health))
	}
	if len(parts) == 0 {
		return "no readings yet"
	}
	return strings.Join(parts, " | ")
}
