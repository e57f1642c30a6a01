/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each node.
The generated configuration file particularly contains the public/private keys for TS and ED25519.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/gitzhang10/BinBFT/config"
	"github.com/gitzhang10/BinBFT/consensus"
	"github.com/gitzhang10/BinBFT/sign"
	"github.com/spf13/viper"
)

func judgeWhetherInSlice(i int, b []int) bool {
	for _, v := range b {
		if i == v {
			return true
		}
	}
	return false
}

func generateRandomNumber(nodeNum int, faultyNum int) []int {
	var nums []int
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for len(nums) < faultyNum {
		num := r.Intn(nodeNum)
		// discard duplicates
		if !judgeWhetherInSlice(num, nums) {
			nums = append(nums, num)
		}
	}
	return nums
}

func main() {
	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	viperRead.SetDefault("coin", config.CoinThreshold)
	viperRead.SetDefault("db_dir", "./data")
	viperRead.SetDefault("max_active_consensuses", consensus.DefaultMaxActiveConsensuses)
	viperRead.SetDefault("workers", 4)
	err := viperRead.ReadInConfig()
	if err != nil {
		panic(err)
	}

	// deal with cluster as a string map, one node per entry
	clusterMapInterface := viperRead.GetStringMap("IPs")
	nodeNumber := len(clusterMapInterface)
	clusterMapString := make(map[string]string, nodeNumber)
	clusterName := make([]string, 0, nodeNumber)
	for name, addr := range clusterMapInterface {
		addrAsString, ok := addr.(string)
		if !ok {
			panic("cluster in the config file cannot be decoded correctly")
		}
		if _, err := config.NodeIndex(name); err != nil {
			panic(err)
		}
		clusterMapString[name] = addrAsString
		clusterName = append(clusterName, name)
	}
	sort.Strings(clusterName)

	// deal with p2p_listen_port as a string map
	p2pPortMapInterface := viperRead.GetStringMap("peers_p2p_port")
	if nodeNumber != len(p2pPortMapInterface) {
		panic("p2p_listen_port does not match with cluster")
	}
	p2pPortMap := make(map[string]int, nodeNumber)
	for name := range clusterMapString {
		portAsInterface, ok := p2pPortMapInterface[name]
		if !ok {
			panic("p2p_listen_port does not match with cluster")
		}
		portAsInt, ok := portAsInterface.(int)
		if !ok {
			panic("p2p_listen_port contains a non-int value")
		}
		p2pPortMap[name] = portAsInt
	}

	// create the ED25519 keys
	privKeysED25519 := make(map[string]string, nodeNumber)
	pubKeysED25519 := make(map[string]string, nodeNumber)
	for _, name := range clusterName {
		privKeyED, pubKeyED := sign.GenED25519Keys()
		pubKeysED25519[name] = hex.EncodeToString(pubKeyED)
		privKeysED25519[name] = hex.EncodeToString(privKeyED)
	}

	// create the threshold signature keys, any quorum of shares recovers the coin
	numT := int(consensus.QuorumSize(uint64(nodeNumber)))
	shares, pubPoly := sign.GenTSKeys(numT, nodeNumber)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		panic("fail encode the TSPublicKey")
	}

	// load simple parameter
	maxPool := viperRead.GetInt("max_pool")
	logLevel := viperRead.GetInt("log_level")
	round := viperRead.GetInt("round")
	protocol := viperRead.GetString("protocol")
	faultyNum := viperRead.GetInt("faulty_number")
	faultyNode := generateRandomNumber(nodeNumber, faultyNum)
	fmt.Println("FaultyNodes:", faultyNode)

	// write to configure files
	for _, name := range clusterName {
		index, _ := config.NodeIndex(name)
		replicaId := int(index - 1)
		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("%s.yaml", name))
		shareAsBytes, err := sign.EncodeTSPartialKey(shares[replicaId])
		if err != nil {
			panic("fail encode the share")
		}

		viperWrite.Set("name", name)
		viperWrite.Set("peers_p2p_port", p2pPortMap)
		viperWrite.Set("max_pool", maxPool)
		viperWrite.Set("PrivKeyED", privKeysED25519[name])
		viperWrite.Set("cluster_pubkeyed", pubKeysED25519)
		viperWrite.Set("TSShare", hex.EncodeToString(shareAsBytes))
		viperWrite.Set("TSPubKey", hex.EncodeToString(tsPubKeyAsBytes))
		viperWrite.Set("log_level", logLevel)
		viperWrite.Set("cluster_ips", clusterMapString)
		viperWrite.Set("round", round)
		viperWrite.Set("protocol", protocol)
		viperWrite.Set("coin", viperRead.GetString("coin"))
		viperWrite.Set("db_dir", viperRead.GetString("db_dir")+"/"+name)
		viperWrite.Set("debug_history", viperRead.GetBool("debug_history"))
		viperWrite.Set("max_active_consensuses", viperRead.GetInt("max_active_consensuses"))
		viperWrite.Set("workers", viperRead.GetInt("workers"))
		if addr := viperRead.GetString("metrics_addr"); addr != "" {
			viperWrite.Set("metrics_addr", addr)
		}
		viperWrite.Set("is_faulty", judgeWhetherInSlice(replicaId, faultyNode))
		if err = viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
	}
}
