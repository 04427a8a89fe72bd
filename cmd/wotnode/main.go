// Command wotnode starts a gonode blockchain node.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duniter-go/gonode/config"
	"github.com/duniter-go/gonode/consensus"
	"github.com/duniter-go/gonode/crypto/certgen"
	"github.com/duniter-go/gonode/dal"
	"github.com/duniter-go/gonode/events"
	"github.com/duniter-go/gonode/identity"
	"github.com/duniter-go/gonode/indexer"
	"github.com/duniter-go/gonode/network"
	"github.com/duniter-go/gonode/rpc"
	"github.com/duniter-go/gonode/wot"
)

const blockVersion = 1

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "node.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new node key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("GONODE_PASSWORD")
	if password == "" {
		log.Println("WARNING: GONODE_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		signer, err := identity.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := identity.SaveKey(*keyPath, password, signer.PrivKey()); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Public key: %s\n", signer.Pubkey())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- load node key ----
	privKey, err := identity.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	levelKV, err := dal.OpenLevelKV(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer levelKV.Close()

	wotDAL := dal.NewWotDAL(levelKV)

	// ---- resolve protocol parameters (root block, if any, wins) ----
	params := cfg.Genesis.Parameters
	if root, err := wotDAL.GetBlockOrNull(0); err != nil {
		log.Fatalf("read root block: %v", err)
	} else if root != nil && root.Parameters != nil {
		params = root.Parameters
	}

	// ---- events ----
	emitter := events.NewEmitter()

	// ---- indexer ----
	idx := indexer.New(wotDAL.Underlying(), emitter)

	// ---- consensus ----
	mainCtx := consensus.NewChainContext(wotDAL, params)
	service := consensus.NewService(mainCtx, cfg.Window, emitter, cfg.Strategy, privKey, cfg.Genesis.Currency, blockVersion, cfg.CPUFraction)

	// ---- genesis block (if fresh chain) ----
	current, err := service.Current()
	if err != nil {
		log.Fatalf("read current block: %v", err)
	}
	if current == nil {
		genesisBlock, err := config.CreateGenesisBlock(cfg, service)
		if err != nil {
			log.Fatalf("genesis: %v", err)
		}
		log.Printf("Genesis block submitted: %s", genesisBlock.Hash)
	}

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	// ---- network ----
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(cfg.NodeID, p2pAddr, wotDAL, tlsCfg)
	syncer := network.NewSyncer(node, service)
	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", p2pAddr)

	// ---- connect to seed peers ----
	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Printf("seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		if peer := node.Peer(sp.ID); peer != nil {
			tip, err := service.Current()
			from := int64(0)
			if err == nil && tip != nil {
				from = tip.Number + 1
			}
			if err := syncer.RequestBlocks(peer, from); err != nil {
				log.Printf("request blocks from %s: %v", sp.ID, err)
			}
		}
		log.Printf("Connected to seed peer %s (%s)", sp.ID, sp.Addr)
	}

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(service, idx, cfg.Genesis.Currency)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	// ---- block generation ----
	if cfg.Participate {
		service.StartGeneration(2 * time.Second)
		log.Printf("Block generation running (issuer: %s)", privKey.Public().Hex())
	}

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	// 1. Stop block generation and any in-flight mining first.
	service.StopGeneration()
	service.StopProof()

	// 2. Deferred calls run in LIFO: rpcServer.Stop → node.Stop → levelKV.Close
	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

var _ = wot.GenesisHash // referenced transitively via consensus/config; keeps import tidy if unused paths change
