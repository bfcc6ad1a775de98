package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"openshare/chunkstore"
	"openshare/config"
	"openshare/crypto"
	"openshare/discovery"
	"openshare/manifest"
	"openshare/network"
	"openshare/storage"
	"openshare/transfer"
)

func runInit(_ context.Context, env *environment, args []string) error {
	fs := env.newFlagSet("init", "--account ACCOUNT [--device-id ID] [--name NAME] [--port N]")
	account := fs.String("account", "", "account identifier, hashed for discovery")
	deviceID := fs.String("device-id", "", "device identifier (default: random UUID)")
	name := fs.String("name", "", "announced device name (default: host name)")
	port := fs.Int("port", 0, "listen port")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*account) == "" {
		fs.Usage()
		return errors.New("init: --account is required")
	}

	cfg, cfgPath, err := config.LoadOrCreateAt(env.dataDir)
	if err != nil {
		return err
	}
	if err := cfg.SetAccount(*account); err != nil {
		return err
	}
	if *deviceID != "" {
		cfg.DeviceID = strings.TrimSpace(*deviceID)
	}
	if *name != "" {
		cfg.DeviceName = strings.TrimSpace(*name)
	}
	if *port > 0 {
		cfg.ListenPort = *port
	}

	identity, err := crypto.LoadIdentity(crypto.KeyFiles{
		PrivatePath: cfg.Ed25519PrivateKeyPath,
		PublicPath:  cfg.Ed25519PublicKeyPath,
	}, cfg.AccountID, cfg.DeviceID)
	if err != nil {
		return err
	}
	defer identity.Zero()

	cfg.KeyFingerprint = identity.Fingerprint()
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}

	fmt.Fprintln(env.out, "Device initialized")
	fmt.Fprintf(env.out, "  Device ID:      %s\n", cfg.DeviceID)
	fmt.Fprintf(env.out, "  Account hash:   %s\n", cfg.AccountHash)
	fmt.Fprintf(env.out, "  Fingerprint:    %s\n", crypto.FormatFingerprint(cfg.KeyFingerprint))
	fmt.Fprintf(env.out, "  Data directory: %s\n", env.dataDir)
	return nil
}

func runInfo(ctx context.Context, env *environment, args []string) error {
	fs := env.newFlagSet("info", "[--transfer ID]")
	transferID := fs.String("transfer", "", "show one transfer from the ledger")
	if err := fs.Parse(args); err != nil {
		return err
	}

	n, err := env.openNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()

	if *transferID != "" {
		return printTransfer(env.out, n.ledger, *transferID)
	}

	peers, err := n.ledger.ListKnownPeers()
	if err != nil {
		return err
	}
	transfers, err := n.ledger.ListTransfers(storage.TransferFilter{Limit: 5})
	if err != nil {
		return err
	}
	stats := n.chunks.Stats()

	fmt.Fprintf(env.out, "Device ID:       %s\n", n.cfg.DeviceID)
	fmt.Fprintf(env.out, "Device Name:     %s\n", n.cfg.DeviceName)
	fmt.Fprintf(env.out, "Account:         %s (%s)\n", n.cfg.AccountID, n.cfg.AccountHash)
	fmt.Fprintf(env.out, "Fingerprint:     %s\n", crypto.FormatFingerprint(n.identity.Fingerprint()))
	fmt.Fprintf(env.out, "Listen Port:     %d\n", n.cfg.ListenPort)
	fmt.Fprintf(env.out, "Chunk Size:      %d\n", n.cfg.ChunkSize)
	fmt.Fprintf(env.out, "Config File:     %s\n", n.cfgPath)
	fmt.Fprintf(env.out, "Data Directory:  %s\n", env.dataDir)
	fmt.Fprintf(env.out, "Stored Chunks:   %d (%d bytes, %d deduplicated puts)\n", stats.Chunks, stats.Bytes, stats.Deduplicated)
	fmt.Fprintf(env.out, "Known Peers:     %d\n", len(peers))
	for _, peer := range peers {
		fmt.Fprintf(env.out, "  %s  %s  last seen %s\n", peer.DeviceID,
			crypto.FormatFingerprint(peer.KeyFingerprint), time.UnixMilli(peer.LastSeen).Format(time.RFC3339))
		rotations, err := n.ledger.GetRecentKeyRotationEvents(peer.DeviceID, 3)
		if err != nil {
			return err
		}
		for _, r := range rotations {
			fmt.Fprintf(env.out, "    key change %s -> %s %s at %s\n", crypto.FormatFingerprint(r.OldKeyFingerprint),
				crypto.FormatFingerprint(r.NewKeyFingerprint), r.Decision, time.UnixMilli(r.Timestamp).Format(time.RFC3339))
		}
	}
	if len(transfers) > 0 {
		fmt.Fprintln(env.out, "Recent Transfers:")
		for _, t := range transfers {
			fmt.Fprintf(env.out, "  %-7s %-9s %s  %s (%d bytes)\n", t.Direction, t.Status, t.PeerDeviceID, t.FileName, t.FileSize)
		}
	}

	manifests, err := n.ledger.ListManifests(5)
	if err != nil {
		return err
	}
	if len(manifests) > 0 {
		fmt.Fprintln(env.out, "Recent Manifests:")
		for _, m := range manifests {
			fmt.Fprintf(env.out, "  %s  %s (%d bytes, %d chunks)\n", m.ManifestHash, m.FileName, m.FileSize, m.ChunkCount)
		}
	}

	events, err := n.ledger.GetSecurityEvents(storage.SecurityEventFilter{Limit: 5})
	if err != nil {
		return err
	}
	if len(events) > 0 {
		fmt.Fprintln(env.out, "Security Events:")
		for _, event := range events {
			peer := "-"
			if event.PeerDeviceID != nil {
				peer = *event.PeerDeviceID
			}
			fmt.Fprintf(env.out, "  %s  %-8s %-18s %s\n", time.UnixMilli(event.Timestamp).Format(time.RFC3339),
				event.Severity, event.EventType, peer)
		}
	}
	return nil
}

func printTransfer(out io.Writer, ledger *storage.Store, transferID string) error {
	t, err := ledger.GetTransfer(transferID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("info: no transfer %q", transferID)
		}
		return err
	}
	fmt.Fprintf(out, "Transfer:   %s\n", t.TransferID)
	fmt.Fprintf(out, "  Direction: %s\n", t.Direction)
	fmt.Fprintf(out, "  Peer:      %s\n", t.PeerDeviceID)
	fmt.Fprintf(out, "  File:      %s (%d bytes, %d chunks)\n", t.FileName, t.FileSize, t.ChunkCount)
	fmt.Fprintf(out, "  Manifest:  %s\n", t.ManifestHash)
	fmt.Fprintf(out, "  Status:    %s\n", t.Status)
	fmt.Fprintf(out, "  Started:   %s\n", time.UnixMilli(t.StartedAt).Format(time.RFC3339))
	if t.FinishedAt != nil {
		fmt.Fprintf(out, "  Finished:  %s\n", time.UnixMilli(*t.FinishedAt).Format(time.RFC3339))
	}
	fmt.Fprintf(out, "  Chunks:    %d transferred, %d skipped (%d bytes)\n", t.ChunksTransferred, t.ChunksSkipped, t.BytesTransferred)
	if t.StoredPath != "" {
		fmt.Fprintf(out, "  Path:      %s\n", t.StoredPath)
	}
	if t.FailureReason != "" {
		fmt.Fprintf(out, "  Failure:   %s\n", t.FailureReason)
	}
	return nil
}

func runDiscover(ctx context.Context, env *environment, args []string) error {
	fs := env.newFlagSet("discover", "[--timeout 5s] [--json] [--watch [--announce]]")
	timeout := fs.Duration("timeout", 5*time.Second, "how long each scan listens for announcements")
	asJSON := fs.Bool("json", false, "print peers as JSON")
	watch := fs.Bool("watch", false, "keep scanning and print devices as they appear and leave")
	announce := fs.Bool("announce", false, "with --watch, also announce this device")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *announce && !*watch {
		fs.Usage()
		return errors.New("discover: --announce requires --watch")
	}

	cfg, _, err := env.loadConfig()
	if err != nil {
		return err
	}
	dcfg := discovery.Config{
		SelfDeviceID: cfg.DeviceID,
		AccountHash:  cfg.AccountHash,
		ScanTimeout:  *timeout,
		Logger:       env.log,
	}
	if *watch {
		if *announce {
			dcfg.DeviceName = cfg.DeviceName
			dcfg.ListeningPort = cfg.ListenPort
			dcfg.KeyFingerprint = cfg.KeyFingerprint
		}
		return watchPeers(ctx, env, dcfg, *announce, *asJSON)
	}

	peers, err := discovery.Scan(ctx, dcfg)
	if err != nil {
		return fmt.Errorf("discover peers: %w", err)
	}

	if *asJSON {
		encoder := json.NewEncoder(env.out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(peers)
	}
	if len(peers) == 0 {
		fmt.Fprintln(env.out, "No devices found")
		return nil
	}
	for _, peer := range peers {
		endpoint, _ := peer.Endpoint()
		fmt.Fprintf(env.out, "%s  %s  %s  fp=%s\n", peer.DeviceID, peer.DeviceName, endpoint, peer.KeyFingerprint)
	}
	return nil
}

// watchPeers runs a background scanner, and optionally the announcement,
// until ctx ends.
func watchPeers(ctx context.Context, env *environment, dcfg discovery.Config, announce, asJSON bool) error {
	var scanner *discovery.PeerScanner
	if announce {
		service, err := discovery.Start(dcfg)
		if err != nil {
			return fmt.Errorf("start discovery: %w", err)
		}
		defer service.Stop()
		scanner = service.Scanner
	} else {
		var err error
		if scanner, err = discovery.NewPeerScanner(dcfg); err != nil {
			return fmt.Errorf("start discovery: %w", err)
		}
		if err := scanner.Start(); err != nil {
			return fmt.Errorf("start discovery: %w", err)
		}
		defer scanner.Stop()
	}

	// The background loop only logs scan errors; one synchronous scan
	// reports a broken resolver up front.
	if err := scanner.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("discover peers: %w", err)
	}
	if !asJSON {
		fmt.Fprintln(env.out, "Watching for devices, press Ctrl+C to stop")
	}
	return printPeerEvents(ctx, env.out, scanner.Events(), asJSON)
}

// printPeerEvents writes one line per discovery event until ctx ends or the
// channel closes.
func printPeerEvents(ctx context.Context, out io.Writer, events <-chan discovery.Event, asJSON bool) error {
	encoder := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if asJSON {
				if err := encoder.Encode(event); err != nil {
					return err
				}
				continue
			}
			switch event.Type {
			case discovery.EventPeerUpserted:
				endpoint, _ := event.Peer.Endpoint()
				fmt.Fprintf(out, "+ %s  %s  %s  fp=%s\n", event.Peer.DeviceID, event.Peer.DeviceName, endpoint, event.Peer.KeyFingerprint)
			case discovery.EventPeerRemoved:
				fmt.Fprintf(out, "- %s  %s\n", event.Peer.DeviceID, event.Peer.DeviceName)
			}
		}
	}
}

func runAnnounce(ctx context.Context, env *environment, args []string) error {
	fs := env.newFlagSet("announce", "[--port N] [--interface NAME] [--ttl DURATION]")
	port := fs.Int("port", 0, "announced port (default: configured port)")
	iface := fs.String("interface", "", "announce only on this network interface")
	ttl := fs.Duration("ttl", 0, "stop announcing after this long (0 = until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ttl < 0 {
		fs.Usage()
		return errors.New("announce: --ttl must not be negative")
	}

	cfg, _, err := env.loadConfig()
	if err != nil {
		return err
	}
	dcfg := discovery.Config{
		SelfDeviceID:   cfg.DeviceID,
		DeviceName:     cfg.DeviceName,
		ListeningPort:  cfg.ListenPort,
		KeyFingerprint: cfg.KeyFingerprint,
		AccountHash:    cfg.AccountHash,
		Logger:         env.log,
	}
	if *port > 0 {
		dcfg.ListeningPort = *port
	}
	if *iface != "" {
		ifc, err := net.InterfaceByName(*iface)
		if err != nil {
			return fmt.Errorf("announce: interface %q: %w", *iface, err)
		}
		dcfg.Interfaces = []net.Interface{*ifc}
	}

	broadcaster, err := discovery.StartBroadcaster(dcfg)
	if err != nil {
		return err
	}
	defer broadcaster.Stop()

	fmt.Fprintf(env.out, "Announcing %s (%s) on port %d\n", cfg.DeviceName, cfg.DeviceID, dcfg.ListeningPort)
	if *ttl > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *ttl)
		defer cancel()
	} else {
		fmt.Fprintln(env.out, "Press Ctrl+C to stop")
	}
	<-ctx.Done()
	return nil
}

// runTrust settles a refused key change: it repins a known device to a new
// key, by default the one it presented in its latest refused handshake.
func runTrust(ctx context.Context, env *environment, args []string) error {
	fs := env.newFlagSet("trust", "<device-id> [--key PUBLIC_KEY_PEM] [--fingerprint FP] [--reject | --forget]")
	keyPath := fs.String("key", "", "public key file to pin (default: the key the device last presented)")
	fingerprint := fs.String("fingerprint", "", "require the new key to have this fingerprint")
	reject := fs.Bool("reject", false, "record the new key as rejected and keep the current pin")
	forget := fs.Bool("forget", false, "forget the device and its ledger rows; the next key it presents is pinned afresh")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		fs.Usage()
		return errors.New("trust: exactly one device ID is required")
	}
	if *forget && *reject {
		fs.Usage()
		return errors.New("trust: --forget and --reject are exclusive")
	}
	deviceID := positional[0]

	n, err := env.openNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()

	if *forget {
		if err := n.ledger.RemoveKnownPeer(deviceID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("trust: device %q is not a known peer", deviceID)
			}
			return err
		}
		fmt.Fprintf(env.out, "Forgot device %s\n", deviceID)
		return nil
	}

	peer, err := n.ledger.GetKnownPeer(deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("trust: device %q is not a known peer", deviceID)
		}
		return err
	}

	var newKey ed25519.PublicKey
	if *keyPath != "" {
		newKey, err = crypto.LoadPublicKey(*keyPath)
	} else {
		newKey, err = n.presentedKey(deviceID)
	}
	if err != nil {
		return fmt.Errorf("trust: %w", err)
	}

	newFingerprint := crypto.KeyFingerprint(newKey)
	if *fingerprint != "" && !sameFingerprint(*fingerprint, newFingerprint) {
		return fmt.Errorf("trust: new key of %q has fingerprint %s", deviceID, crypto.FormatFingerprint(newFingerprint))
	}
	if sameFingerprint(peer.KeyFingerprint, newFingerprint) {
		return fmt.Errorf("trust: device %q is already pinned to %s", deviceID, crypto.FormatFingerprint(newFingerprint))
	}

	decision := storage.KeyRotationDecisionTrusted
	if *reject {
		decision = storage.KeyRotationDecisionRejected
	}
	if err := n.ledger.ReplacePeerKey(deviceID, newKey, decision); err != nil {
		return err
	}
	n.log.WithFields(logrus.Fields{
		"peer_device_id": deviceID,
		"old_key":        peer.KeyFingerprint,
		"new_key":        newFingerprint,
		"decision":       decision,
	}).Info("peer key change decided")

	fmt.Fprintf(env.out, "Device %s\n", deviceID)
	fmt.Fprintf(env.out, "  Old key:  %s\n", crypto.FormatFingerprint(peer.KeyFingerprint))
	fmt.Fprintf(env.out, "  New key:  %s\n", crypto.FormatFingerprint(newFingerprint))
	fmt.Fprintf(env.out, "  Decision: %s\n", decision)
	return nil
}

func runCreateManifest(ctx context.Context, env *environment, args []string) error {
	fs := env.newFlagSet("create-manifest", "<file> [--output PATH]")
	output := fs.String("output", "", "manifest path (default: manifests dir)")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		fs.Usage()
		return errors.New("create-manifest: exactly one file is required")
	}

	n, err := env.openNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()

	m, err := n.manifests.BuildFile(ctx, positional[0], manifest.BuildOptions{
		ChunkSize: n.cfg.ChunkSize,
		OnChunk: func(_ int, hash chunkstore.Hash, data []byte) error {
			return n.chunks.PutExpected(hash, data)
		},
	})
	if err != nil {
		return err
	}

	path := *output
	if path == "" {
		path = manifest.PathFor(n.cfg.ManifestsDir, m)
	}
	if err := manifest.WriteFile(path, m); err != nil {
		return err
	}
	if err := n.ledger.SaveManifest(storage.ManifestRecord{
		ManifestHash:      m.ManifestHash.String(),
		FileName:          m.FileName,
		FileSize:          m.FileSize,
		ChunkSize:         m.ChunkSize,
		ChunkCount:        m.ChunkCount(),
		SignerFingerprint: crypto.KeyFingerprint(m.SignerPublicKey),
		Path:              path,
	}); err != nil {
		n.log.WithError(err).Warn("failed to index manifest")
	}

	fmt.Fprintf(env.out, "Manifest: %s\n", path)
	fmt.Fprintf(env.out, "  File:   %s (%d bytes)\n", m.FileName, m.FileSize)
	fmt.Fprintf(env.out, "  Chunks: %d x %d bytes\n", m.ChunkCount(), m.ChunkSize)
	fmt.Fprintf(env.out, "  Hash:   %s\n", m.ManifestHash)
	return nil
}

func runVerifyManifest(ctx context.Context, env *environment, args []string) error {
	fs := env.newFlagSet("verify-manifest", "<file.manifest.json | manifest-hash> [--signer FINGERPRINT]")
	signer := fs.String("signer", "", "require the manifest to be signed by this key fingerprint")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		fs.Usage()
		return errors.New("verify-manifest: exactly one manifest is required")
	}

	path, err := env.resolveManifestPath(ctx, positional[0])
	if err != nil {
		return err
	}
	m, err := manifest.ReadFile(path)
	if err != nil {
		return err
	}
	if err := manifest.Verify(m, nil); err != nil {
		return err
	}
	fingerprint := crypto.KeyFingerprint(m.SignerPublicKey)
	if *signer != "" && !sameFingerprint(*signer, fingerprint) {
		return fmt.Errorf("%w: signed by %s", manifest.ErrManifestInvalid, crypto.FormatFingerprint(fingerprint))
	}

	fmt.Fprintln(env.out, "Manifest is valid")
	fmt.Fprintf(env.out, "  File:   %s (%d bytes, %d chunks)\n", m.FileName, m.FileSize, m.ChunkCount())
	fmt.Fprintf(env.out, "  Signer: %s\n", crypto.FormatFingerprint(fingerprint))
	return nil
}

// resolveManifestPath returns arg when it names a file, otherwise looks it up
// as a manifest hash in the ledger of an initialized device.
func (env *environment) resolveManifestPath(ctx context.Context, arg string) (string, error) {
	if _, err := os.Stat(arg); err == nil || !errors.Is(err, os.ErrNotExist) {
		return arg, nil
	}
	if _, err := chunkstore.ParseHash(arg); err != nil {
		return arg, nil
	}

	n, err := env.openNode(ctx)
	if err != nil {
		return "", err
	}
	defer n.Close()

	record, err := n.ledger.GetManifest(strings.ToLower(arg))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("verify-manifest: no manifest %s in the ledger", arg)
		}
		return "", err
	}
	return record.Path, nil
}

func runSend(ctx context.Context, env *environment, args []string) error {
	fs := env.newFlagSet("send", "<file> [<host:port> | --device ID] [--timeout 5s]")
	device := fs.String("device", "", "discover the peer with this device ID instead of dialing an address")
	timeout := fs.Duration("timeout", 5*time.Second, "discovery timeout used with --device")
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		return err
	}
	if len(positional) < 1 || len(positional) > 2 || (len(positional) == 1) == (*device == "") {
		fs.Usage()
		return errors.New("send: a file and either an address or --device are required")
	}
	file := positional[0]

	n, err := env.openNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()

	address := ""
	expectedFingerprint := ""
	if len(positional) == 2 {
		address = positional[1]
	} else {
		peer, err := findPeer(ctx, n, *device, *timeout)
		if err != nil {
			return err
		}
		address, _ = peer.Endpoint()
		expectedFingerprint = peer.KeyFingerprint
	}

	log := n.log.WithField("address", address)
	log.Info("connecting")
	session, err := network.Dial(ctx, address, n.identity, n.handshakeOptions())
	if err != nil {
		var hsErr *network.HandshakeError
		if errors.As(err, &hsErr) {
			n.recordHandshakeFailure(address, hsErr)
		}
		return err
	}
	defer session.Close()

	if *device != "" && session.PeerDeviceID != *device {
		return fmt.Errorf("send: %s answered as device %q", address, session.PeerDeviceID)
	}
	if expectedFingerprint != "" && !sameFingerprint(expectedFingerprint, crypto.KeyFingerprint(session.PeerIdentity)) {
		// The announced fingerprint is only a hint; the handshake is authoritative.
		log.WithField("peer_device_id", session.PeerDeviceID).Warn("peer key differs from its mDNS announcement")
	}
	n.rememberPeer(session, address)

	result, err := n.transfers.SendFile(ctx, session, transfer.FileSource(file))
	if err != nil {
		n.recordTransferFailure(session.PeerDeviceID, err)
		return err
	}

	fmt.Fprintf(env.out, "Sent %s to %s\n", result.FileName, result.PeerDeviceID)
	fmt.Fprintf(env.out, "  Chunks: %d sent, %d already present of %d\n", result.ChunksTransferred, result.ChunksSkipped, result.ChunkCount)
	fmt.Fprintf(env.out, "  Bytes:  %d in %s (%s)\n", result.BytesTransferred, formatDuration(result.Duration),
		formatRate(result.BytesTransferred, result.Duration))
	return nil
}

func findPeer(ctx context.Context, n *node, deviceID string, timeout time.Duration) (discovery.DiscoveredPeer, error) {
	peers, err := discovery.Scan(ctx, discovery.Config{
		SelfDeviceID: n.cfg.DeviceID,
		AccountHash:  n.cfg.AccountHash,
		ScanTimeout:  timeout,
		Logger:       n.log,
	})
	if err != nil {
		return discovery.DiscoveredPeer{}, fmt.Errorf("discover peers: %w", err)
	}
	for _, peer := range peers {
		if peer.DeviceID != deviceID {
			continue
		}
		if _, ok := peer.Endpoint(); !ok {
			return discovery.DiscoveredPeer{}, fmt.Errorf("send: device %q announced no usable address", deviceID)
		}
		return peer, nil
	}
	return discovery.DiscoveredPeer{}, fmt.Errorf("send: device %q not found on the network", deviceID)
}

func runListen(ctx context.Context, env *environment, args []string) error {
	fs := env.newFlagSet("listen", "[--port N] [--output DIR] [--announce=false]")
	port := fs.Int("port", 0, "listen port (default: configured port)")
	output := fs.String("output", "", "directory for received files (default: downloads dir)")
	announce := fs.Bool("announce", true, "announce this device over mDNS")
	if err := fs.Parse(args); err != nil {
		return err
	}

	n, err := env.openNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()

	listenPort := n.cfg.ListenPort
	if *port > 0 {
		listenPort = *port
	}
	destDir := n.cfg.DownloadsDir
	if *output != "" {
		destDir = *output
	}
	if destDir, err = filepath.Abs(destDir); err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	server, err := network.Listen(net.JoinHostPort("", strconv.Itoa(listenPort)), n.identity, network.ServerOptions{
		Handshake:                 n.handshakeOptions(),
		ConnectionRateLimitPerIP:  30,
		ConnectionRateLimitWindow: time.Minute,
		OnHandshakeFailure:        n.recordHandshakeFailure,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	if *announce {
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			SelfDeviceID:   n.cfg.DeviceID,
			DeviceName:     n.cfg.DeviceName,
			ListeningPort:  listenPort,
			KeyFingerprint: n.identity.Fingerprint(),
			AccountHash:    n.cfg.AccountHash,
			Logger:         env.log,
		})
		if err != nil {
			n.log.WithError(err).Warn("mDNS announcement unavailable")
		} else {
			defer broadcaster.Stop()
		}
	}

	fmt.Fprintf(env.out, "Listening on %s, saving into %s\n", server.Addr(), destDir)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-server.Errors():
			if ok {
				n.log.WithError(err).Debug("server error")
			}
		case session, ok := <-server.Incoming():
			if !ok {
				return nil
			}
			n.rememberPeer(session, session.RemoteAddr())
			wg.Add(1)
			go func() {
				defer wg.Done()
				n.serveSession(ctx, env, session, destDir)
			}()
		}
	}
}

// serveSession receives transfers on one session until it ends.
func (n *node) serveSession(ctx context.Context, env *environment, session *network.Session, destDir string) {
	defer session.Close()
	log := n.log.WithFields(logrus.Fields{
		"session_id":     session.ID,
		"peer_device_id": session.PeerDeviceID,
	})
	log.Info("peer connected")

	for {
		result, err := n.transfers.ReceiveFile(ctx, session, destDir)
		if err != nil {
			n.recordTransferFailure(session.PeerDeviceID, err)
			select {
			case <-session.Done():
				log.WithError(session.Err()).Info("peer disconnected")
				return
			default:
			}
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("transfer failed")
			continue
		}
		fmt.Fprintf(env.out, "Received %s from %s (%d bytes, %d chunks fetched, %d reused) -> %s\n",
			result.FileName, result.PeerDeviceID, result.FileSize, result.ChunksTransferred, result.ChunksSkipped, result.Path)
	}
}

func sameFingerprint(a, b string) bool {
	normalize := func(s string) string {
		return strings.ToLower(strings.NewReplacer(":", "", " ", "", "-", "").Replace(s))
	}
	return normalize(a) == normalize(b)
}
