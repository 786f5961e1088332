package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"sort"
	"syscall"
	"time"

	"secops_dashboard/camstream/internal/api"
	"secops_dashboard/camstream/internal/config"
	"secops_dashboard/camstream/internal/domain"
	sigclient "secops_dashboard/camstream/internal/signal"
	"secops_dashboard/camstream/internal/status"
	"secops_dashboard/camstream/internal/viewer"
	"secops_dashboard/camstream/internal/webrtc"

	"github.com/pterm/pterm"
)

const helpText = `camviewer - Watch every active camera of a premise via WebRTC

Usage:
  camviewer [options]

Each camera's H264 stream is written to <output dir>/<camera id>.h264.
Play one back with ffplay or remux it with ffmpeg.

Environment Variables (required):
  CAMSTREAM_SIGNAL_URL  WebSocket URL of the signaling relay
  CAMSTREAM_API_URL     Base URL of the camera directory API

Environment Variables (optional):
  CAMSTREAM_TOKEN             Bearer token for the camera directory
  CAMSTREAM_PREMISE_ID        Only show cameras of this premise
  CAMSTREAM_VIEWER_ID         Viewer id announced to the relay (default: random)
  CAMSTREAM_OUTPUT_DIR        Where video files are written (default: .)
  CAMSTREAM_ICE_SERVERS       Comma separated ICE server URLs
  CAMSTREAM_REFRESH_INTERVAL  Camera directory refresh period (default: 30s)
  CAMSTREAM_LOG_LEVEL         error, warn, info, debug or trace (default: info)

Examples:
  # Live playback of one camera
  camviewer & ffplay -f h264 ./cam-1.h264

  # Remux to MP4
  ffmpeg -f h264 -i cam-1.h264 -c copy output.mp4

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.LoadViewer()
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}

	lf := config.NewLoggerFactory(cfg.LogLevel)
	log := lf.NewLogger("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %s, shutting down", sig)
		cancel()
	}()

	pterm.Info.Println(fmt.Sprintf("camviewer: viewer %s", cfg.ViewerID))

	sc := sigclient.NewClient(sigclient.Options{
		URL:    cfg.SignalURL,
		Logger: lf.NewLogger("signal"),
		Hello:  &domain.Envelope{Type: domain.TypeRole, Role: domain.RoleViewer, ViewerID: cfg.ViewerID},
	})
	sc.OnStatus(func(s domain.TransportStatus) {
		log.Infof("signaling channel %s", s)
		if s == domain.TransportFailed {
			cancel()
		}
	})

	peers, err := webrtc.NewViewerFactory(
		webrtc.Options{ICEServers: cfg.ICEServers, LoggerFactory: lf},
		webrtc.FileSinks{Dir: cfg.OutputDir},
	)
	if err != nil {
		log.Errorf("create peer factory: %v", err)
		os.Exit(1)
	}

	board := status.NewBoard(func(cameraID string, st domain.ConnectionStatus) {
		log.Infof("camera %s: %s", cameraID, st)
	})

	mgr, err := viewer.New(viewer.Options{
		ViewerID:      cfg.ViewerID,
		Transport:     sc,
		Peers:         peers,
		Board:         board,
		LoggerFactory: lf,
	})
	if err != nil {
		log.Errorf("create viewer: %v", err)
		os.Exit(1)
	}
	sc.OnReconnect(mgr.Resync)

	if err := sc.Connect(ctx); err != nil {
		log.Errorf("signal connect: %v", err)
		os.Exit(1)
	}

	dir := api.NewClient(cfg.APIURL, cfg.Token, lf)
	names := map[string]string{}

	refresh := func() {
		cams, err := dir.ListCameras(ctx, domain.CameraQuery{PremiseID: cfg.PremiseID, ActiveOnly: true})
		if err != nil {
			log.Warnf("list cameras: %v", err)
			return
		}

		ids := make([]string, 0, len(cams))
		for _, c := range cams {
			if !c.IsActive {
				continue
			}
			ids = append(ids, c.ID)
			names[c.ID] = c.Name
		}
		mgr.SetVisibleCameras(ids)
	}

	refresh()

	ticker := time.NewTicker(cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("shutting down")
			mgr.Teardown()
			sc.Close()
			log.Infof("done")
			return
		case <-ticker.C:
			refresh()
			renderStatuses(mgr.Statuses(), names)
		}
	}
}

func renderStatuses(statuses map[string]domain.ConnectionStatus, names map[string]string) {
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data := pterm.TableData{{"Camera", "Name", "Status"}}
	for _, id := range ids {
		data = append(data, []string{id, names[id], string(statuses[id])})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		pterm.Warning.Println(err)
	}
}
