/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/gitzhang10/BinBFT/sign"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3/share"
)

// Coin kinds accepted by the "coin" key.
const (
	CoinThreshold     = "threshold"
	CoinDeterministic = "deterministic"
)

// Config defines a type to describe the configuration.
type Config struct {
	Name                 string
	MaxPool              int
	ClusterAddr          map[string]string // map from name to address
	ClusterPort          map[string]int    // map from name to port
	ClusterAddrWithPorts map[string]uint8  // map from address:port to schain index
	PublicKeyMap         map[string]ed25519.PublicKey
	PrivateKey           ed25519.PrivateKey
	TsPublicKey          *share.PubPoly
	TsPrivateKey         *share.PriShare
	LogLevel             int
	IsFaulty             bool
	Round                int
	Protocol             string

	DBDir                string
	Coin                 string
	DebugHistory         bool
	HistorySize          int
	DecisionHistory      int
	MaxActiveConsensuses int
	Recover              bool
	MetricsAddr          string
	Workers              int
}

// New creates a new variable of type Config for test
func New(name string, maxPool int, clusterAddr map[string]string, clusterPort map[string]int,
	clusterAddrWithPorts map[string]uint8, publicKeyMap map[string]ed25519.PublicKey, privateKey ed25519.PrivateKey,
	tsPublicKey *share.PubPoly, tsPrivateKey *share.PriShare, logLevel int, isFaulty bool, round int) *Config {
	return &Config{
		Name:                 name,
		MaxPool:              maxPool,
		ClusterAddr:          clusterAddr,
		ClusterPort:          clusterPort,
		ClusterAddrWithPorts: clusterAddrWithPorts,
		PublicKeyMap:         publicKeyMap,
		PrivateKey:           privateKey,
		TsPublicKey:          tsPublicKey,
		TsPrivateKey:         tsPrivateKey,
		LogLevel:             logLevel,
		IsFaulty:             isFaulty,
		Round:                round,
		Protocol:             "binbft",
		Coin:                 CoinThreshold,
		HistorySize:          2048,
		DecisionHistory:      10,
		MaxActiveConsensuses: 5,
		Workers:              4,
	}
}

// NodeIndex maps a node name "nodeK" to its 1-based schain index K+1.
func NodeIndex(name string) (uint64, error) {
	if !strings.HasPrefix(name, "node") {
		return 0, errors.Errorf("node name %q does not start with \"node\"", name)
	}
	id, err := strconv.Atoi(name[4:])
	if err != nil || id < 0 {
		return 0, errors.Errorf("node name %q has no numeric id", name)
	}
	return uint64(id) + 1, nil
}

// NodeName is the inverse of NodeIndex.
func NodeName(index uint64) string {
	return "node" + strconv.FormatUint(index-1, 10)
}

// Index returns this node's schain index.
func (c *Config) Index() (uint64, error) {
	return NodeIndex(c.Name)
}

// NodeCount returns the schain size.
func (c *Config) NodeCount() uint64 {
	return uint64(len(c.PublicKeyMap))
}

// Validate checks the values the node relies on.
func (c *Config) Validate() error {
	index, err := c.Index()
	if err != nil {
		return err
	}
	n := c.NodeCount()
	if n == 0 {
		return errors.New("cluster_pubkeyed is empty")
	}
	if index > n {
		return errors.Errorf("node %s is outside of a %d node cluster", c.Name, n)
	}
	if c.Coin != CoinThreshold && c.Coin != CoinDeterministic {
		return errors.Errorf("unknown coin %q", c.Coin)
	}
	if c.Coin == CoinThreshold && (c.TsPublicKey == nil || c.TsPrivateKey == nil) {
		return errors.New("threshold coin needs tspubkey and tsshare")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_pool", 10)
	v.SetDefault("log_level", 3)
	v.SetDefault("round", 10)
	v.SetDefault("protocol", "binbft")
	v.SetDefault("db_dir", "./data")
	v.SetDefault("coin", CoinThreshold)
	v.SetDefault("debug_history", false)
	v.SetDefault("history_size", 2048)
	v.SetDefault("decision_history", 10)
	v.SetDefault("max_active_consensuses", 5)
	v.SetDefault("recover", false)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("workers", 4)
}

// LoadConfig loads configuration files by package viper. Without configPaths
// the file is looked up in the working directory.
func LoadConfig(configPrefix, configName string, configPaths ...string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	if len(configPaths) == 0 {
		configPaths = []string{"./"}
	}
	for _, p := range configPaths {
		viperConfig.AddConfigPath(p)
	}
	setDefaults(viperConfig)
	if err := viperConfig.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", configName)
	}

	privKeyED, err := hex.DecodeString(viperConfig.GetString("privkeyed"))
	if err != nil {
		return nil, errors.Wrap(err, "decode privkeyed")
	}

	conf := &Config{
		Name:                 viperConfig.GetString("name"),
		MaxPool:              viperConfig.GetInt("max_pool"),
		PrivateKey:           privKeyED,
		LogLevel:             viperConfig.GetInt("log_level"),
		IsFaulty:             viperConfig.GetBool("is_faulty"),
		Round:                viperConfig.GetInt("round"),
		Protocol:             viperConfig.GetString("protocol"),
		DBDir:                viperConfig.GetString("db_dir"),
		Coin:                 viperConfig.GetString("coin"),
		DebugHistory:         viperConfig.GetBool("debug_history"),
		HistorySize:          viperConfig.GetInt("history_size"),
		DecisionHistory:      viperConfig.GetInt("decision_history"),
		MaxActiveConsensuses: viperConfig.GetInt("max_active_consensuses"),
		Recover:              viperConfig.GetBool("recover"),
		MetricsAddr:          viperConfig.GetString("metrics_addr"),
		Workers:              viperConfig.GetInt("workers"),
	}

	if s := viperConfig.GetString("tspubkey"); s != "" {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, errors.Wrap(err, "decode tspubkey")
		}
		if conf.TsPublicKey, err = sign.DecodeTSPublicKey(b); err != nil {
			return nil, err
		}
	}
	if s := viperConfig.GetString("tsshare"); s != "" {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, errors.Wrap(err, "decode tsshare")
		}
		if conf.TsPrivateKey, err = sign.DecodeTSPartialKey(b); err != nil {
			return nil, err
		}
	}

	peersP2PPortMap := viperConfig.GetStringMap("peers_p2p_port")
	peersIPsMap := viperConfig.GetStringMapString("cluster_ips")
	pubKeyMapString := viperConfig.GetStringMapString("cluster_pubkeyed")
	pubKeyMap := make(map[string]ed25519.PublicKey, len(pubKeyMapString))
	clusterAddr := make(map[string]string, len(pubKeyMapString))
	clusterPort := make(map[string]int, len(pubKeyMapString))
	clusterAddrWithPorts := make(map[string]uint8, len(pubKeyMapString))
	for name, pkAsString := range pubKeyMapString {
		port, err := toInt(peersP2PPortMap[name])
		if err != nil {
			return nil, errors.Wrapf(err, "p2p port of %s", name)
		}
		addr, ok := peersIPsMap[name]
		if !ok {
			return nil, errors.Errorf("no address for %s", name)
		}
		pubKey, err := hex.DecodeString(pkAsString)
		if err != nil {
			return nil, errors.Wrapf(err, "public key of %s", name)
		}
		index, err := NodeIndex(name)
		if err != nil {
			return nil, err
		}
		pubKeyMap[name] = pubKey
		clusterPort[name] = port
		clusterAddr[name] = addr
		clusterAddrWithPorts[addr+":"+strconv.Itoa(port)] = uint8(index)
	}

	conf.PublicKeyMap = pubKeyMap
	conf.ClusterPort = clusterPort
	conf.ClusterAddr = clusterAddr
	conf.ClusterAddrWithPorts = clusterAddrWithPorts
	return conf, conf.Validate()
}

// viper keeps yaml ints as int and env values as strings.
func toInt(v interface{}) (int, error) {
	switch p := v.(type) {
	case int:
		return p, nil
	case int64:
		return int(p), nil
	case float64:
		return int(p), nil
	case string:
		return strconv.Atoi(p)
	}
	return 0, errors.Errorf("%v is not a port", v)
}
