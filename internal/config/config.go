// Package config loads the reconciler's recognized options from a
// YAML file overlaid with environment variables, using a dotted
// section.key shape.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every recognized option.
type Config struct {
	Server ServerConf
	App    AppConf
	Gerbil GerbilConf

	DBPath   string
	DataDir  string
	DiagSock string
}

type ServerConf struct {
	// InternalPort is the listen port for the internal HTTP surface
	// (session validation, agent websocket upgrade).
	InternalPort int

	// Secret is the HMAC secret for auxiliary signing. Read here and
	// threaded into the auth-proxy builder, but currently never used
	// to produce emitted payload fields.
	Secret string
}

type AppConf struct {
	// DashboardURL is the controller's public URL; used to derive
	// the auth-proxy cookie domain and session-validation URL.
	DashboardURL string
}

type GerbilConf struct {
	// ClientsStartPort is the base relay port announced to Olms in
	// olm/sync's exitNodes[].relayPort.
	ClientsStartPort int
}

// Load reads configPath (if non-empty and present) and overlays
// environment variables of the form PANGOLIN_SERVER_INTERNAL_PORT,
// matching section.key dotted names with "." replaced by "_".
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("server.internal_port", 8121)
	v.SetDefault("server.secret", "")
	v.SetDefault("app.dashboard_url", "")
	v.SetDefault("gerbil.clients_start_port", 21820)
	v.SetDefault("db_path", "data/pangolin-cp.db")
	v.SetDefault("data_dir", "data")
	v.SetDefault("diag_sock", "data/pangolin-cp.sock")

	v.SetEnvPrefix("pangolin")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", configPath, err)
			}
		}
	}

	cfg := Config{
		Server: ServerConf{
			InternalPort: v.GetInt("server.internal_port"),
			Secret:       v.GetString("server.secret"),
		},
		App: AppConf{
			DashboardURL: v.GetString("app.dashboard_url"),
		},
		Gerbil: GerbilConf{
			ClientsStartPort: v.GetInt("gerbil.clients_start_port"),
		},
		DBPath:   v.GetString("db_path"),
		DataDir:  v.GetString("data_dir"),
		DiagSock: v.GetString("diag_sock"),
	}
	return cfg, nil
}
