package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/pbalcer/naia/pkg/bitio"
	"github.com/pbalcer/naia/pkg/client"
	"github.com/pbalcer/naia/pkg/entity"
	"github.com/pbalcer/naia/pkg/message"
	"github.com/pbalcer/naia/pkg/room"
	"github.com/pbalcer/naia/pkg/server"
	"github.com/pbalcer/naia/pkg/tickbuffer"
	"github.com/pbalcer/naia/pkg/ticktime"
	"github.com/pbalcer/naia/pkg/world"
	"github.com/stretchr/testify/require"
)

const (
	chatChannel entity.ChannelKind = 0
	chatKind    entity.MessageKind = 1
	posKind     entity.ComponentKind = 1
)

type chat struct{ Text string }

func chatCodec() message.Codec {
	return message.Codec{
		Encode: func(m any, w *bitio.Writer, _ entity.Converter) error {
			b := []byte(m.(chat).Text)
			if err := w.WriteVarUint(uint64(len(b))); err != nil {
				return err
			}
			return w.WriteBytes(b)
		},
		Decode: func(r *bitio.Reader, _ entity.Converter) (any, error) {
			n, err := r.ReadVarUint()
			if err != nil {
				return nil, err
			}
			b, err := r.ReadBytes(int(n))
			return chat{Text: string(b)}, err
		},
	}
}

type pos struct{ X int32 }

func posCodec() world.ComponentCodec {
	return world.ComponentCodec{
		NumProps: 1,
		EncodeFull: func(v any, w *bitio.Writer) error {
			return w.WriteUint32(uint32(v.(pos).X))
		},
		DecodeFull: func(r *bitio.Reader) (any, error) {
			x, err := r.ReadUint32()
			return pos{X: int32(x)}, err
		},
		EncodeDiffProps: func(v any, mask uint64, w *bitio.Writer) error {
			if mask&1 != 0 {
				return w.WriteUint32(uint32(v.(pos).X))
			}
			return nil
		},
		DecodeDiffProps: func(r *bitio.Reader, mask uint64) (map[int]any, error) {
			out := make(map[int]any)
			if mask&1 != 0 {
				x, err := r.ReadUint32()
				if err != nil {
					return nil, err
				}
				out[0] = int32(x)
			}
			return out, nil
		},
		ApplyProps: func(dst any, props map[int]any) any {
			var p pos
			if dst != nil {
				p = dst.(pos)
			}
			if v, ok := props[0]; ok {
				p.X = v.(int32)
			}
			return p
		},
	}
}

type fakeSource struct{ v pos }

func (f fakeSource) Get(entity.Global, entity.ComponentKind) (any, bool) { return f.v, true }

func testConfig(addr string) (server.Config, client.Config) {
	msgKinds := message.NewKindRegistry()
	msgKinds.Register(chatKind, chatCodec())
	channels := []message.ChannelConfig{{ID: chatChannel, Reliability: message.ReliableOrdered}}

	compKinds := world.NewComponentRegistry()
	compKinds.Register(posKind, posCodec())

	tickCfg := ticktime.DefaultConfig()
	tickCfg.TickInterval = 5 * time.Millisecond

	return server.Config{
			Address:      addr,
			Channels:     channels,
			MessageKinds: msgKinds,
			Components:   compKinds,
			CommandKinds: map[entity.MessageKind]tickbuffer.Codec{},
			TickConfig:   tickCfg,
		}, client.Config{
			ServerAddress: addr,
			Channels:      channels,
			MessageKinds:  msgKinds,
			Components:    compKinds,
			CommandKinds:  map[entity.MessageKind]tickbuffer.Codec{},
			TickConfig:    tickCfg,
		}
}

func TestClientConnectsAndReceivesSpawnedEntity(t *testing.T) {
	srvCfg, cliCfg := testConfig("127.0.0.1:0")

	srv, err := server.New(srvCfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go srv.Run(ctx)

	cliCfg.ServerAddress = srv.LocalAddr().String()
	cli, err := client.New(cliCfg)
	require.NoError(t, err)

	connectCtx, connectCancel := context.WithTimeout(ctx, 2*time.Second)
	defer connectCancel()
	require.NoError(t, cli.Connect(connectCtx))

	outgoing := make(chan struct{})
	go cli.Run(ctx, fakeSource{}, outgoing)

	var user room.UserKey
	select {
	case ev := <-srv.Events():
		require.Equal(t, server.EventConnected, ev.Kind)
		user = ev.User
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server connect event")
	}

	const e entity.Global = 1
	rm := srv.Rooms.Create(1)
	rm.AddUser(user)
	rm.AddEntity(e)
	srv.Scope.SetOverride(1, user, e, true)

	// Data packets only go out through WriteTo/Broadcast.
	send := time.NewTicker(5 * time.Millisecond)
	defer send.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-cli.Events():
			if ev.Kind == client.EventSpawn {
				return
			}
		case <-send.C:
			srv.Broadcast(fakeSource{})
		case <-deadline:
			t.Fatal("timed out waiting for client spawn event")
		}
	}
}
