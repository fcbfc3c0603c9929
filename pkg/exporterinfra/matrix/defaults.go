// Copyright 2024, Pulumi Corporation.  All rights reserved.

package matrix

var (
	Mainnet = Network{
		Name:     "mainnet",
		Explorer: "https://api.etherscan.io/api",
		TokenVar: "ETHERSCAN_TOKEN",
		Secrets: map[string]string{
			Web3ProviderVar:   "MAINNET_WEB3_PROVIDER",
			"ETHERSCAN_TOKEN": "MAINNET_ETHERSCAN_TOKEN",
		},
	}
	Fantom = Network{
		Name:     "ftm-main",
		Explorer: "https://api.ftmscan.com/api",
		TokenVar: "FTMSCAN_TOKEN",
		Secrets: map[string]string{
			Web3ProviderVar: "FANTOM_WEB3_PROVIDER",
			"FTMSCAN_TOKEN": "FTMSCAN_TOKEN",
		},
	}
	Arbitrum = Network{
		Name:     "arbitrum-main",
		Explorer: "https://api.arbiscan.io/api",
		TokenVar: "ARBISCAN_TOKEN",
		Secrets: map[string]string{
			Web3ProviderVar:  "ARBITRUM_WEB3_PROVIDER",
			"ARBISCAN_TOKEN": "ARBISCAN_TOKEN",
		},
	}
)

var observabilitySecrets = map[string]string{
	"SENTRY_DSN":      "SENTRY_DSN",
	"GRAFANA_URL":     "GRAFANA_URL",
	"GRAFANA_API_KEY": "GRAFANA_API_KEY",
}

var defaultTemplate = []string{
	"MAINNET_WEB3_PROVIDER",
	"MAINNET_ETHERSCAN_TOKEN",
	"FANTOM_WEB3_PROVIDER",
	"FTMSCAN_TOKEN",
	"ARBITRUM_WEB3_PROVIDER",
	"ARBISCAN_TOKEN",
	"SENTRY_DSN",
	"GRAFANA_URL",
	"GRAFANA_API_KEY",
}

// Default returns the built-in matrix for env. The minute offsets are assigned by hand so that
// tasks sharing the cluster start ten minutes apart.
func Default(env Environment) *Matrix {
	m := &Matrix{
		Networks:       []Network{Mainnet, Fantom, Arbitrum},
		SecretTemplate: append([]string(nil), defaultTemplate...),
		SharedSecrets:  copyMap(observabilitySecrets),
		Sentry:         true,
	}
	switch env {
	case Staging:
		m.Tasks = []Entry{
			{Network: Mainnet.Name, Mode: Endorsed, Schedule: Schedule{Minute: "5", Hour: "*/6"}},
			{Network: Mainnet.Name, Mode: Experimental, Schedule: Schedule{Minute: "25", Hour: "*/6"}},
			{Network: Fantom.Name, Mode: Endorsed, Schedule: Schedule{Minute: "45", Hour: "*/6"}},
			{Network: Arbitrum.Name, Mode: Endorsed, Schedule: Schedule{Minute: "15", Hour: "1/6"}},
		}
	default:
		m.Tasks = []Entry{
			{Network: Mainnet.Name, Mode: Endorsed, Schedule: Schedule{Minute: "0", Hour: "*/2"}},
			{Network: Mainnet.Name, Mode: Experimental, Schedule: Schedule{Minute: "20", Hour: "*/2"}},
			{Network: Fantom.Name, Mode: Endorsed, Schedule: Schedule{Minute: "10", Hour: "*/2"}},
			{Network: Fantom.Name, Mode: Experimental, Schedule: Schedule{Minute: "30", Hour: "*/2"}},
			{Network: Arbitrum.Name, Mode: Endorsed, Schedule: Schedule{Minute: "40", Hour: "*/2"}},
			{Network: Arbitrum.Name, Mode: Experimental, Schedule: Schedule{Minute: "50", Hour: "*/2"}},
		}
	}
	return m
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
