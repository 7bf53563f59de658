package ledger

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// productTraceabilityABI is the subset of the ProductTraceability contract the core calls.
const productTraceabilityABI = `[
  {"type":"function","name":"createProduct","stateMutability":"nonpayable",
   "inputs":[{"name":"productId","type":"string"},{"name":"location","type":"string"}],"outputs":[]},
  {"type":"function","name":"addRetailerHop","stateMutability":"nonpayable",
   "inputs":[{"name":"productId","type":"string"},{"name":"location","type":"string"}],"outputs":[]},
  {"type":"function","name":"completeProduct","stateMutability":"nonpayable",
   "inputs":[{"name":"productId","type":"string"}],"outputs":[]},
  {"type":"function","name":"setManufacturer","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"},{"name":"allowed","type":"bool"}],"outputs":[]},
  {"type":"function","name":"setRetailer","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"},{"name":"allowed","type":"bool"}],"outputs":[]},
  {"type":"function","name":"getProduct","stateMutability":"view",
   "inputs":[{"name":"productId","type":"string"}],
   "outputs":[
     {"name":"id","type":"string"},
     {"name":"manufacturer","type":"address"},
     {"name":"history","type":"tuple[]","components":[
       {"name":"role","type":"uint8"},
       {"name":"actor","type":"address"},
       {"name":"location","type":"string"},
       {"name":"timestamp","type":"uint256"}
     ]}
   ]}
]`

// hopTuple mirrors the contract's Hop struct for ABI decoding.
type hopTuple struct {
	Role      uint8
	Actor     common.Address
	Location  string
	Timestamp *big.Int
}

func parseContractABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(productTraceabilityABI))
}
