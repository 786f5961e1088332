package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"secops_dashboard/camstream/internal/config"
	"secops_dashboard/camstream/internal/domain"
	"secops_dashboard/camstream/internal/publisher"
	sigclient "secops_dashboard/camstream/internal/signal"
	"secops_dashboard/camstream/internal/status"
	"secops_dashboard/camstream/internal/webrtc"

	"github.com/pterm/pterm"
)

const helpText = `campublisher - Publish one camera's H264 feed via WebRTC

Usage:
  campublisher [options]

The feed is read from <media dir>/<camera id>.h264 (Annex-B) and looped at
the configured frame rate.

Environment Variables (required):
  CAMSTREAM_SIGNAL_URL  WebSocket URL of the signaling relay
  CAMSTREAM_CAMERA_ID   Camera to publish

Environment Variables (optional):
  CAMSTREAM_MEDIA_DIR    Directory holding <camera id>.h264 (default: .)
  CAMSTREAM_FRAME_RATE   Frames per second (default: 25)
  CAMSTREAM_ICE_SERVERS  Comma separated ICE server URLs
  CAMSTREAM_LOG_LEVEL    error, warn, info, debug or trace (default: info)

Examples:
  # Record a test feed, then publish it
  ffmpeg -i input.mp4 -c:v libx264 -bsf:v h264_mp4toannexb -f h264 cam-1.h264
  CAMSTREAM_CAMERA_ID=cam-1 campublisher

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.LoadPublisher()
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

	pterm.Info.Println(fmt.Sprintf("campublisher: camera %s", cfg.CameraID))

	sc := sigclient.NewClient(sigclient.Options{
		URL:    cfg.SignalURL,
		Logger: lf.NewLogger("signal"),
		Hello:  &domain.Envelope{Type: domain.TypeRole, Role: domain.RolePublisher, CameraID: cfg.CameraID},
	})
	sc.OnStatus(func(s domain.TransportStatus) {
		log.Infof("signaling channel %s", s)
		if s == domain.TransportFailed {
			cancel()
		}
	})

	peers, err := webrtc.NewPublisherFactory(webrtc.Options{ICEServers: cfg.ICEServers, LoggerFactory: lf})
	if err != nil {
		log.Errorf("create peer factory: %v", err)
		os.Exit(1)
	}

	pub, err := publisher.New(publisher.Options{
		Transport: sc,
		Media: webrtc.FileDevice{
			Dir:       cfg.MediaDir,
			FrameRate: cfg.FrameRate,
			Logger:    lf.NewLogger("webrtc"),
		},
		Peers:         peers,
		LoggerFactory: lf,
		OnStateChange: func(cameraID string, s domain.NegotiatorState) {
			pterm.Info.Println(fmt.Sprintf("camera %s: %s", cameraID, status.Project(s)))
		},
	})
	if err != nil {
		log.Errorf("create publisher: %v", err)
		os.Exit(1)
	}

	start := func() {
		if err := pub.StartPublishing(cfg.CameraID); err != nil {
			log.Errorf("start publishing: %v", err)
			cancel()
		}
	}
	// The relay forgets the session when the channel drops.
	sc.OnReconnect(start)

	if err := sc.Connect(ctx); err != nil {
		log.Errorf("signal connect: %v", err)
		os.Exit(1)
	}
	start()

	<-ctx.Done()
	log.Infof("shutting down")

	pub.Close()
	sc.Close()

	log.Infof("done")
}
