package test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"mq-rpc/client"
	"mq-rpc/codec"
	"mq-rpc/encoder"
	"mq-rpc/message"
	"mq-rpc/store"
	"mq-rpc/transport"
)

// ---- Setup 公共函数 ----

func setupServerAndClient(b *testing.B, opts ...client.Option) *client.Client {
	broker := transport.NewMemoryBroker()
	b.Cleanup(broker.Close)
	startArith(b, broker.Channel(), client.DefaultRequestQueue)

	cli, err := client.NewClient(context.Background(), broker.Channel(), opts...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { cli.Close() })
	return cli
}

// ---- Benchmark ----

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	cli := setupServerAndClient(b)
	params := message.Params{"A": 1, "B": 2}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, _, err := cli.Call(context.Background(), "Arith.Add", params, nil); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用（体现 req_id 多路复用）
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupServerAndClient(b)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		params := message.Params{"A": 1, "B": 2}
		for pb.Next() {
			if _, _, err := cli.Call(context.Background(), "Arith.Add", params, nil); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// 场景3: 带文件的调用，分块 + zstd
func BenchmarkFileCall(b *testing.B) {
	zstd, err := codec.GetCompressor(codec.ZstdName)
	if err != nil {
		b.Fatal(err)
	}
	cli := setupServerAndClient(b, client.WithChunkSize(16<<10), client.WithCompressor(zstd))
	files := message.NewFiles(message.File{Name: "big.txt", Data: bytes.Repeat([]byte("lorem ipsum "), 10_000)})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := cli.Call(context.Background(), "Arith.Upper", nil, files); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景4: 编码 + 重组（不走总线）
func BenchmarkEncodeReassemble(b *testing.B) {
	for _, n := range []int{0, 1, 8} {
		payload := message.Payload{Params: message.Params{"A": 1.0}, Files: &message.Files{}}
		for i := 0; i < n; i++ {
			payload.Files.Put(fmt.Sprintf("f%d", i), bytes.Repeat([]byte{byte(i)}, 4096))
		}

		b.Run(fmt.Sprintf("files=%d", n), func(b *testing.B) {
			s := store.New(nil)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				e := encoder.NewResponse(nil, "reply", "corr", payload, encoder.WithChunkSize(1024))
				for p, err := range e.Parts() {
					if err != nil {
						b.Fatal(err)
					}
					if err := s.Add(p); err != nil {
						b.Fatal(err)
					}
				}
			}
		})
	}
}
