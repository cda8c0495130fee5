// Package web3 houses blockchain connectivity for payment submission:
// a YAML-backed multi-chain registry of RPC endpoints and an ethclient
// based submitter that broadcasts signed payment authorizations to
// supported networks such as Ethereum, BSC, and Polygon.
package web3
