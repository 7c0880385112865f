package serializer

import (
	"reflect"
	"testing"

	"github.com/flame4/tikv/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON": NewJSONSerializer,
	"GOB":  NewGOBSerializer,
}

func roundTrip(t *testing.T, ser IRPCSerializer, in, out interface{}) {
	t.Helper()
	data, err := ser.Serialize(in)
	if err != nil {
		t.Fatalf("serialize %T: %v", in, err)
	}
	if err := ser.Deserialize(data, out); err != nil {
		t.Fatalf("deserialize %T: %v", out, err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("value changed in round trip:\nin:  %+v\nout: %+v", in, out)
	}
}

// TestSerializerRoundTrip covers one representative value per message class:
// a request with nested structs, a response carrying error variants, and a
// peer message with a binary payload.
func TestSerializerRoundTrip(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			ser := factory()

			roundTrip(t, ser, &common.PrewriteRequest{
				Context: common.Context{
					RegionID: 2,
					Peer:     common.Peer{ID: 3, StoreID: 4},
					Term:     6,
				},
				Mutations: []common.Mutation{
					{Op: common.OpPut, Key: []byte("k1"), Value: []byte("v1")},
					{Op: common.OpLock, Key: []byte("k2")},
				},
				PrimaryLock:  []byte("k1"),
				StartVersion: 10,
				LockTTL:      3000,
			}, &common.PrewriteRequest{})

			roundTrip(t, ser, &common.GetResponse{
				RegionError: &common.RegionError{
					NotLeader: &common.NotLeader{RegionID: 2, Leader: common.Peer{ID: 5, StoreID: 6}},
				},
			}, &common.GetResponse{})

			roundTrip(t, ser, &common.PrewriteResponse{
				Errors: []common.KeyError{
					{Locked: &common.LockInfo{
						PrimaryLock: []byte("k1"),
						LockVersion: 5,
						Key:         []byte("k2"),
						LockTTL:     3000,
					}},
					{Retryable: "write conflict"},
				},
			}, &common.PrewriteResponse{})

			roundTrip(t, ser, &common.RaftMessage{
				RegionID: 9,
				FromPeer: common.Peer{ID: 1, StoreID: 1},
				ToPeer:   common.Peer{ID: 2, StoreID: 2},
				Data:     []byte{0x00, 0x01, 0xff, 0xfe},
			}, &common.RaftMessage{})
		})
	}
}

// TestDeserializeGarbage ensures malformed payloads surface as errors
// instead of silently producing zero values
func TestDeserializeGarbage(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			ser := factory()
			resp := &common.GetResponse{}
			if err := ser.Deserialize([]byte("definitely not encoded"), resp); err == nil {
				t.Fatal("expected an error for garbage input")
			}
		})
	}
}
