package params

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Ledger struct {
	DBPath      string
	CustodyAddr common.Address
}

type Access struct {
	Coordinator  common.Address
	Filler       common.Address
	FeeRecipient common.Address
	FeeBips      int64
}

type API struct {
	Addr    string
	LogFile string
}

type Config struct {
	Ledger Ledger
	Access Access
	API    API
}

func Default() Config {
	return Config{
		Ledger: Ledger{
			DBPath: "./data/orders.db",
			// Sentinel custody account; not derivable from any private key.
			CustodyAddr: common.HexToAddress("0x0000000000000000000000000000000000000C05"),
		},
		Access: Access{
			FeeBips: 500, // 5%
		},
		API: API{
			Addr:    ":8080",
			LogFile: "data/engine.log",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("LEDGER_DB_PATH"); v != "" {
		cfg.Ledger.DBPath = v
	}
	if v := os.Getenv("LEDGER_CUSTODY_ADDR"); v != "" {
		addr, err := parseAddr("LEDGER_CUSTODY_ADDR", v)
		if err != nil {
			return cfg, err
		}
		cfg.Ledger.CustodyAddr = addr
	}

	for _, f := range []struct {
		env string
		dst *common.Address
	}{
		{"ACCESS_COORDINATOR", &cfg.Access.Coordinator},
		{"ACCESS_FILLER", &cfg.Access.Filler},
		{"ACCESS_FEE_RECIPIENT", &cfg.Access.FeeRecipient},
	} {
		if v := os.Getenv(f.env); v != "" {
			addr, err := parseAddr(f.env, v)
			if err != nil {
				return cfg, err
			}
			*f.dst = addr
		}
	}

	if v := os.Getenv("ACCESS_FEE_BIPS"); v != "" {
		bips, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("ACCESS_FEE_BIPS: %w", err)
		}
		cfg.Access.FeeBips = bips
	}

	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.API.LogFile = v
	}

	return cfg, nil
}

func parseAddr(env, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%s: not a hex address: %q", env, v)
	}
	return common.HexToAddress(v), nil
}
