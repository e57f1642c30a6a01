package schain

import (
	"reflect"

	"github.com/gitzhang10/BinBFT/consensus"
)

var bvBroadcast consensus.BVBroadcast
var auxBroadcast consensus.AUXBroadcast

var reflectedTypesMap = map[uint8]reflect.Type{
	consensus.BVBroadcastTag:  reflect.TypeOf(bvBroadcast),
	consensus.AUXBroadcastTag: reflect.TypeOf(auxBroadcast),
}
