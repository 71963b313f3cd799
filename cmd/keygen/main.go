// keygen generates validator key pairs and, optionally, a complete devnet
// genesis document with every validator's account pre-funded.
//
//	keygen                          one key pair to stdout
//	keygen -n 4 -out genesis.json   4-validator genesis + key files
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pactbft/pactbft/params"
	"github.com/pactbft/pactbft/pkg/crypto"
)

func main() {
	n := flag.Int("n", 0, "number of validators to generate a genesis for (0 = single key only)")
	out := flag.String("out", "genesis.json", "genesis output path")
	balance := flag.Uint64("balance", 1_000_000, "initial balance per validator account")
	chainID := flag.String("chain-id", "pact-devnet", "chain id")
	flag.Parse()

	if *n <= 0 {
		key, err := crypto.GenerateKey()
		if err != nil {
			log.Fatalf("generate: %v", err)
		}
		fmt.Printf("seed:    %s\n", key.SeedHex())
		fmt.Printf("pubkey:  %s\n", hex.EncodeToString(key.PublicKey()))
		fmt.Printf("address: %s\n", key.Address().Hex())
		return
	}

	genesis := params.DefaultGenesis()
	genesis.ChainID = *chainID
	genesis.GenesisTimestamp = uint64(time.Now().UnixMilli())

	for i := 0; i < *n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			log.Fatalf("generate validator %d: %v", i, err)
		}
		id := fmt.Sprintf("val%d", i)
		genesis.Validators = append(genesis.Validators, params.GenesisValidator{
			ID:          id,
			PubKeyHex:   hex.EncodeToString(key.PublicKey()),
			VotingPower: 1,
		})
		genesis.Accounts = append(genesis.Accounts, params.GenesisAccount{
			Address: key.Address().Hex(),
			Balance: *balance,
		})

		keyPath := fmt.Sprintf("%s.key", id)
		if err := os.WriteFile(keyPath, []byte(key.SeedHex()+"\n"), 0600); err != nil {
			log.Fatalf("write %s: %v", keyPath, err)
		}
		fmt.Printf("%s  pubkey=%s  address=%s  key=%s\n", id, hex.EncodeToString(key.PublicKey()), key.Address().Hex(), keyPath)
	}

	if err := genesis.Save(*out); err != nil {
		log.Fatalf("write genesis: %v", err)
	}
	fmt.Printf("genesis written to %s\n", *out)
}
