package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind           string
	dbPath         string
	gameTimeout    time.Duration
	hitDelay       time.Duration
	mapillaryToken string
	mapillaryURL   string
	missDelay      time.Duration
	nominatimURL   string
	port           int
	prefix         string
	profile        bool
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.gameTimeout < time.Minute {
		return fmt.Errorf("invalid game timeout (must be at least one minute): %s", c.gameTimeout)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("STREETSEEKR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "street-seekr",
		Short:         "A multiplayer street-view guessing game, packed into a single binary.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: STREETSEEKR_BIND)")
	fs.StringVar(&cfg.dbPath, "db", "street-seekr.db", "path to the sqlite database file (env: STREETSEEKR_DB)")
	fs.DurationVar(&cfg.gameTimeout, "game-timeout", 24*time.Hour, "time before idle games are deleted (env: STREETSEEKR_GAME_TIMEOUT)")
	fs.DurationVar(&cfg.hitDelay, "hit-delay", 250*time.Millisecond, "pause after a successful imagery lookup (env: STREETSEEKR_HIT_DELAY)")
	fs.StringVar(&cfg.mapillaryToken, "mapillary-token", "", "access token for the Mapillary images API (env: STREETSEEKR_MAPILLARY_TOKEN)")
	fs.StringVar(&cfg.mapillaryURL, "mapillary-url", "https://graph.mapillary.com/images", "base URL of the Mapillary images API (env: STREETSEEKR_MAPILLARY_URL)")
	fs.DurationVar(&cfg.missDelay, "miss-delay", 40*time.Millisecond, "pause after an empty imagery lookup (env: STREETSEEKR_MISS_DELAY)")
	fs.StringVar(&cfg.nominatimURL, "nominatim-url", "https://nominatim.openstreetmap.org/search", "base URL of the Nominatim search API (env: STREETSEEKR_NOMINATIM_URL)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: STREETSEEKR_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: STREETSEEKR_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: STREETSEEKR_PROFILE)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: STREETSEEKR_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: STREETSEEKR_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: STREETSEEKR_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: STREETSEEKR_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("street-seekr v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
