package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gitzhang10/BinBFT/sign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, extra string) string {
	dir := t.TempDir()
	shares, pub := sign.GenTSKeys(3, 4)
	pubBytes, err := sign.EncodeTSPublicKey(pub)
	require.NoError(t, err)
	shareBytes, err := sign.EncodeTSPartialKey(shares[1])
	require.NoError(t, err)

	var keys, ips, ports string
	var priv []byte
	for i := 0; i < 4; i++ {
		sk, pk := sign.GenED25519Keys()
		if i == 1 {
			priv = sk
		}
		keys += fmt.Sprintf("  node%d: %s\n", i, hex.EncodeToString(pk))
		ips += fmt.Sprintf("  node%d: 127.0.0.1\n", i)
		ports += fmt.Sprintf("  node%d: %d\n", i, 9000+i)
	}
	content := fmt.Sprintf(`name: node1
max_pool: 5
log_level: 2
round: 20
privkeyed: %s
tspubkey: %s
tsshare: %s
cluster_pubkeyed:
%scluster_ips:
%speers_p2p_port:
%s%s`, hex.EncodeToString(priv), hex.EncodeToString(pubBytes), hex.EncodeToString(shareBytes), keys, ips, ports, extra)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node1_0.yaml"), []byte(content), 0o600))
	return dir
}

func TestConfigRead(t *testing.T) {
	dir := writeTestConfig(t, "db_dir: /tmp/binbft\nrecover: true\n")

	conf, err := LoadConfig("binbft_test", "node1_0", dir)
	require.NoError(t, err)

	assert.Equal(t, "node1", conf.Name)
	index, err := conf.Index()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), index)
	assert.Equal(t, uint64(4), conf.NodeCount())
	assert.Equal(t, 5, conf.MaxPool)
	assert.Equal(t, 20, conf.Round)
	assert.Equal(t, 9003, conf.ClusterPort["node3"])
	assert.Equal(t, uint8(4), conf.ClusterAddrWithPorts["127.0.0.1:9003"])
	assert.Len(t, conf.PublicKeyMap, 4)
	assert.NotNil(t, conf.TsPublicKey)
	assert.Equal(t, 1, conf.TsPrivateKey.I)

	assert.Equal(t, "/tmp/binbft", conf.DBDir)
	assert.True(t, conf.Recover)
	assert.Equal(t, CoinThreshold, conf.Coin)
	assert.Equal(t, 2048, conf.HistorySize)
	assert.Equal(t, 5, conf.MaxActiveConsensuses)
	assert.Equal(t, 4, conf.Workers)
}

func TestConfigRejectsUnknownCoin(t *testing.T) {
	dir := writeTestConfig(t, "coin: dice\n")
	_, err := LoadConfig("binbft_test", "node1_0", dir)
	assert.Error(t, err)
}

func TestNodeIndex(t *testing.T) {
	index, err := NodeIndex("node0")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), index)
	assert.Equal(t, "node9", NodeName(10))
	_, err = NodeIndex("replica1")
	assert.Error(t, err)
}
