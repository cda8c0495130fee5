package web3

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Registry 按链 ID 管理已拨号的以太坊客户端。
type Registry struct {
	clients map[int64]*ethclient.Client
	names   map[int64]string
}

// NewRegistry 读取链定义并为每条链建立 RPC 连接。
func NewRegistry(ctx context.Context, defs ChainDefinitions) (*Registry, error) {
	clients := make(map[int64]*ethclient.Client)
	names := make(map[int64]string)

	for name, chain := range defs.Chains {
		if _, exists := clients[chain.ChainID]; exists {
			closeAll(clients)
			return nil, fmt.Errorf("链 ID %d 被重复定义", chain.ChainID)
		}
		client, err := ethclient.DialContext(ctx, chain.RPCURL)
		if err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("连接链 %s 失败: %w", name, err)
		}
		clients[chain.ChainID] = client
		names[chain.ChainID] = name
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	return &Registry{clients: clients, names: names}, nil
}

// Client 返回指定链的客户端。
func (r *Registry) Client(chainID int64) (*ethclient.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[chainID]
	return client, ok
}

// ChainIDs 返回注册表中的链 ID 列表。
func (r *Registry) ChainIDs() []int64 {
	if r == nil {
		return nil
	}
	ids := make([]int64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close 释放注册表管理的全部连接。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
	r.clients = map[int64]*ethclient.Client{}
}

func closeAll(clients map[int64]*ethclient.Client) {
	for id, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, id)
	}
}
