package loadbalance

import (
	"fmt"
	"math/rand/v2"

	"mq-rpc/registry"
)

type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints available")
	}

	// 计算总权重
	totalWeight := 0
	for _, ep := range endpoints {
		totalWeight += max(ep.Weight, 0)
	}
	if totalWeight == 0 {
		return &endpoints[rand.IntN(len(endpoints))], nil
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for i := range endpoints {
		r -= max(endpoints[i].Weight, 0)
		if r < 0 {
			return &endpoints[i], nil
		}
	}

	return nil, fmt.Errorf("unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
