// socks5p2p — CLI entry point.
//
// This tool exposes a local SOCKS5 proxy whose CONNECT traffic is tunneled
// over a WebRTC DataChannel to a remote egress peer, which performs the
// actual outbound TCP connection. Signaling (SDP offer/answer, ICE
// candidates) travels over a PIN-gated WebSocket, needed only to establish
// the peer connection.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -port, -wsPort, -wsUrl, -wsListen).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/kestrel-tunnel/socks5p2p/internal/egress"
	"github.com/kestrel-tunnel/socks5p2p/internal/netmodel"
	"github.com/kestrel-tunnel/socks5p2p/internal/relay"
	"github.com/kestrel-tunnel/socks5p2p/internal/signaling"
	"github.com/kestrel-tunnel/socks5p2p/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	role := flag.String("role", "", "Role: relay or egress")
	port := flag.Int("port", 0, "Local SOCKS5 listen port (relay only), 1~65535")
	maxConns := flag.Int("maxConns", 0, "Maximum concurrent SOCKS5 connections (relay only, 0 = default)")
	wsPortFlag := flag.Int("wsPort", 0, "WebSocket signaling server port (relay only)")
	wsListenFlag := flag.Bool("wsListen", false, "Listen on all network interfaces (relay only, for remote access)")
	wsURLFlag := flag.String("wsUrl", "", "WebSocket signaling URL to connect to (egress only)")
	obfuscate := flag.Bool("obfuscate", false, "Request transport obfuscation where supported")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("socks5p2p — v%s", version))
	pterm.Println()

	switch *role {
	case "":
		runInteractive(ctx)

	case "relay":
		if *port < 1 || *port > 65535 {
			util.LogError("invalid or missing -port (must be 1~65535)")
			os.Exit(1)
		}

		var wsAddr string
		switch {
		case *wsListenFlag:
			wsAddr = fmt.Sprintf(":%d", *wsPortFlag)
		case *wsPortFlag > 0:
			wsAddr = fmt.Sprintf("127.0.0.1:%d", *wsPortFlag)
		default:
			wsAddr = ":0"
		}

		runRelay(ctx, *port, wsAddr, *maxConns, *obfuscate)

	case "egress":
		if *wsURLFlag == "" {
			util.LogError("missing -wsUrl for egress role")
			os.Exit(1)
		}

		wsURL, err := normalizeWSURL(*wsURLFlag)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}

		runEgress(ctx, wsURL, *obfuscate)

	default:
		util.LogError("invalid -role: must be 'relay' or 'egress'")
		os.Exit(1)
	}

	util.LogInfo("successfully closed tunnel connection")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no -role flag is
// provided.
func runInteractive(ctx context.Context) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Relay  — Expose a local SOCKS5 proxy", "Egress — Perform outbound connections for a relay"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Relay") {
		port := askPort("Local SOCKS5 listen port (1 ~ 65535)")
		runRelay(ctx, port, ":0", 0, false)
	} else {
		wsURL := askURL()
		runEgress(ctx, wsURL, false)
	}
}

// runRelay hosts the PIN-gated signaling server, waits for the egress peer to
// connect, then exposes a local SOCKS5 proxy once the tunnel is up.
func runRelay(ctx context.Context, port int, wsAddr string, maxConns int, obfuscate bool) {
	pin := signaling.GeneratePIN(6)
	srv := signaling.NewServer(pin)

	wsPort, err := srv.Start()
	if err != nil {
		util.LogError("failed to start signaling server: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	util.LogInfo("signaling server listening — share this PIN with the egress peer: %s", pin)
	util.LogInfo("egress should connect to ws://<this-host>:%d/ws?pin=%s", wsPort, pin)

	wsConn, err := srv.WaitForClient(ctx)
	if err != nil {
		util.LogError("waiting for egress peer: %v", err)
		os.Exit(1)
	}
	defer wsConn.Close()

	r, err := relay.New(relay.Options{
		ListenAddr:     netmodel.Endpoint{Address: "127.0.0.1", Port: uint16(port)},
		Listen:         true,
		MaxConnections: maxConns,
		IsOfferer:      false,
		Obfuscate:      obfuscate,
	})
	if err != nil {
		util.LogError("failed to construct relay: %v", err)
		os.Exit(1)
	}

	signaling.PumpOutbound(wsConn, r)
	go func() {
		if err := signaling.PumpInbound(wsConn, r); err != nil {
			util.LogDebug("relay: signaling connection ended: %v", err)
		}
	}()

	ep, err := r.OnceReady().Wait()
	if err != nil {
		util.LogError("failed to establish tunnel: %v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx)
	util.LogSuccess("P2P tunnel established — SOCKS5 proxy listening on %s", ep.String())

	awaitShutdown(ctx, r)
}

// runEgress connects to a relay's signaling server and dials real targets on
// its behalf as sessions arrive.
func runEgress(ctx context.Context, wsURL string, obfuscate bool) {
	wsConn, err := signaling.Connect(ctx, wsURL)
	if err != nil {
		util.LogError("failed to connect to signaling server: %v", err)
		os.Exit(1)
	}
	defer wsConn.Close()

	eg, err := egress.New()
	if err != nil {
		util.LogError("failed to construct egress peer: %v", err)
		os.Exit(1)
	}
	r := eg.Relay()

	signaling.PumpOutbound(wsConn, r)
	go func() {
		if err := signaling.PumpInbound(wsConn, r); err != nil {
			util.LogDebug("egress: signaling connection ended: %v", err)
		}
	}()

	if _, err := r.OnceReady().Wait(); err != nil {
		util.LogError("failed to establish tunnel: %v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx)
	util.LogSuccess("P2P tunnel established — ready to relay outbound connections")

	awaitShutdown(ctx, r)
}

// awaitShutdown blocks until ctx is cancelled or the relay stops on its own,
// then ensures the relay is torn down.
func awaitShutdown(ctx context.Context, r *relay.Relay) {
	select {
	case <-ctx.Done():
		r.Stop()
	case <-r.OnceStopped().Done():
		return
	}
	r.OnceStopped().Wait()
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates and normalizes a raw WebSocket URL string.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "ws"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	path := u.RequestURI()
	if u.Path == "" {
		path = "/ws"
		if u.RawQuery != "" {
			path += "?" + u.RawQuery
		}
	}
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, path), nil
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askURL prompts the user for a valid signaling URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Signaling URL (e.g. ws://host:port/ws?pin=123456)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
