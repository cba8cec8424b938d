// Package lp2p builds the libp2p host and gossipsub fabric the mesh
// communicates over.
package lp2p

import (
	"context"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/libp2p/go-libp2p"
	connmgr "github.com/libp2p/go-libp2p-connmgr"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	noise "github.com/libp2p/go-libp2p-noise"
	"github.com/libp2p/go-libp2p-peerstore/pstoreds"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsubpb "github.com/libp2p/go-libp2p-pubsub/pb"
	libp2ptls "github.com/libp2p/go-libp2p-tls"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/crypto/blake2b"

	"github.com/crunchmesh/crunchmesh/key"
	"github.com/crunchmesh/crunchmesh/log"
)

const (
	// userAgent sets the libp2p user-agent sent along with the identify
	// protocol.
	userAgent = "crunchmesh/1.0.0"
	// directConnectTicks makes pubsub check it's connected to direct peers
	// every N seconds.
	directConnectTicks uint64 = 5
	gracePeriod               = time.Minute
	bootstrapTimeout          = 5 * time.Second
)

// Topic returns the single pubsub topic of a mesh.
func Topic(meshID string) string {
	return fmt.Sprintf("/crunchmesh/v1/%s", meshID)
}

// PrivKeyFromPair converts the node's signing key into the libp2p host
// identity, so the transport peer id is bound to the same Ed25519 key
// that signs every envelope.
func PrivKeyFromPair(pair *key.Pair) (crypto.PrivKey, error) {
	buff, err := pair.Key.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshaling signing key: %w", err)
	}
	// seed || public is exactly the ed25519 private key layout
	priv, err := crypto.UnmarshalEd25519PrivateKey(buff)
	if err != nil {
		return nil, fmt.Errorf("converting signing key: %w", err)
	}
	return priv, nil
}

// ConstructHost builds a libp2p host plus a gossipsub instance configured
// for the mesh: noise/tls security, a connection manager sized from
// maxPeers, flood publish and a blake2b content-derived message id. The
// peerstore persists into the given datastore so known peers survive
// restarts. Bootstrap peers are dialed in the background.
func ConstructHost(ds datastore.Datastore, priv crypto.PrivKey, listenAddr string,
	bootstrap []ma.Multiaddr, maxPeers int, l log.Logger) (host.Host, *pubsub.PubSub, error) {
	ctx := context.Background()

	pstoreDs := namespace.Wrap(ds, datastore.NewKey("/peerstore"))
	pstore, err := pstoreds.NewPeerstore(ctx, pstoreDs, pstoreds.DefaultOpts())
	if err != nil {
		return nil, nil, fmt.Errorf("creating peerstore: %w", err)
	}
	peerID, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("computing peerid: %w", err)
	}
	if err := pstore.AddPrivKey(peerID, priv); err != nil {
		return nil, nil, fmt.Errorf("adding priv to keystore: %w", err)
	}

	addrInfos, err := resolveAddresses(ctx, bootstrap, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing bootstrap addresses: %w", err)
	}

	lowWater := maxPeers - maxPeers/4
	if lowWater < 1 {
		lowWater = 1
	}
	cmgr, err := connmgr.NewConnManager(lowWater, maxPeers, connmgr.WithGracePeriod(gracePeriod))
	if err != nil {
		return nil, nil, fmt.Errorf("constructing connmgr: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ChainOptions(
			libp2p.Security(libp2ptls.ID, libp2ptls.New),
			libp2p.Security(noise.ID, noise.New)),
		libp2p.DisableRelay(),
		libp2p.Peerstore(pstore),
		libp2p.UserAgent(userAgent),
		libp2p.ConnectionManager(cmgr),
	}

	if listenAddr != "" {
		opts = append(opts, libp2p.ListenAddrStrings(listenAddr))
	} else {
		opts = append(opts, libp2p.NoListenAddrs)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing host: %w", err)
	}

	p, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithMessageIdFn(func(pmsg *pubsubpb.Message) string {
			hash := blake2b.Sum256(pmsg.Data)
			return string(hash[:])
		}),
		pubsub.WithDirectPeers(addrInfos),
		pubsub.WithFloodPublish(true),
		pubsub.WithDirectConnectTicks(directConnectTicks),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing pubsub: %w", err)
	}

	go func() {
		mrand.Shuffle(len(addrInfos), func(i, j int) {
			addrInfos[i], addrInfos[j] = addrInfos[j], addrInfos[i]
		})
		for _, ai := range addrInfos {
			ctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
			err := h.Connect(ctx, ai)
			cancel()
			if err != nil {
				l.Warnw("could not bootstrap", "addr", ai)
			}
		}
	}()
	return h, p, nil
}
