package registry

import (
	"os"
	"strings"
	"testing"
	"time"
)

// etcdEndpoints returns the endpoints from MQRPC_ETCD, skipping the test
// when no etcd is available.
func etcdEndpoints(t *testing.T) []string {
	env := os.Getenv("MQRPC_ETCD")
	if env == "" {
		t.Skip("MQRPC_ETCD not set; skipping etcd test")
	}
	return strings.Split(env, ",")
}

func TestRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t))
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	ep1 := Endpoint{Queue: "rpc_queue_a", Weight: 10, Version: "1.0"}
	ep2 := Endpoint{Queue: "rpc_queue_b", Weight: 5, Version: "1.0"}

	if err := reg.Register("store_file", ep1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("store_file", ep2, 10); err != nil {
		t.Fatal(err)
	}

	endpoints, err := reg.Discover("store_file")
	if err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("expect 2 endpoints, got %d", len(endpoints))
	}

	if err := reg.Deregister("store_file", ep1.Queue); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	endpoints, err = reg.Discover("store_file")
	if err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 1 || endpoints[0].Queue != ep2.Queue {
		t.Fatalf("expect only %s after deregister, got %+v", ep2.Queue, endpoints)
	}

	reg.Deregister("store_file", ep2.Queue)
}
