// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/ExchangeUnion/xunion/dex/encode"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// nodeKey loads the node's signing/identity key from path, generating and
// storing a new one on first run. The key's serialized compressed public
// key is this node's wire identity (spec.md's "node public key").
func nodeKey(path string) (*secp256k1.PrivateKey, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Infof("Creating new node key file at %s...", path)
		return createAndStoreKey(path)
	}
	log.Infof("Loading node key from %s...", path)
	return loadKeyFile(path)
}

func loadKeyFile(path string) (*secp256k1.PrivateKey, error) {
	blob, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %v", err)
	}
	ver, pushes, err := encode.DecodeBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("unmarshal key file: %v", err)
	}
	if ver != 0 {
		return nil, fmt.Errorf("unrecognized key file version %d", ver)
	}
	if len(pushes) != 1 || len(pushes[0]) != 32 {
		return nil, fmt.Errorf("invalid key file contents")
	}
	return secp256k1.PrivKeyFromBytes(pushes[0]), nil
}

func createAndStoreKey(path string) (*secp256k1.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("key file exists")
	}
	privKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate node key: %v", err)
	}
	data := encode.BuildyBytes{0}.AddData(privKey.Serialize())
	if err := ioutil.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write node key: %v", err)
	}
	return privKey, nil
}
