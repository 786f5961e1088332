package webrtc

import (
	"fmt"

	"secops_dashboard/camstream/internal/domain"

	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
)

// Options configures the peer factories.
type Options struct {
	ICEServers    []string
	LoggerFactory logging.LoggerFactory
}

func (o Options) logger() logging.LeveledLogger {
	if o.LoggerFactory == nil {
		o.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return o.LoggerFactory.NewLogger("webrtc")
}

// ViewerFactory creates receive-only peers whose video lands in a sink.
type ViewerFactory struct {
	api   *pion.API
	cfg   pion.Configuration
	sinks SinkOpener
	log   logging.LeveledLogger
}

var _ domain.PeerFactory = (*ViewerFactory)(nil)

func NewViewerFactory(opts Options, sinks SinkOpener) (*ViewerFactory, error) {
	api, err := NewAPI(Receive, opts.LoggerFactory)
	if err != nil {
		return nil, err
	}
	return &ViewerFactory{
		api:   api,
		cfg:   Configuration(opts.ICEServers),
		sinks: sinks,
		log:   opts.logger(),
	}, nil
}

// NewPeer creates a peer with one recvonly video transceiver. The sink is
// opened when the remote track arrives and closed with the peer.
func (f *ViewerFactory) NewPeer(cameraID string) (domain.PeerConn, error) {
	p, err := newPeer(f.api, f.cfg, cameraID, f.log)
	if err != nil {
		return nil, err
	}

	_, err = p.pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("add video transceiver: %w", err)
	}

	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		f.log.Infof("[%s] got track: kind=%s codec=%s pt=%d", cameraID, track.Kind(), codec.MimeType, codec.PayloadType)

		if track.Kind() != pion.RTPCodecTypeVideo || f.sinks == nil {
			go drainTrack(track)
			return
		}

		sink, err := f.sinks.OpenSink(cameraID)
		if err != nil {
			f.log.Errorf("[%s] open sink: %v", cameraID, err)
			go drainTrack(track)
			return
		}
		if !p.attachSink(sink) {
			return
		}
		go writeVideoTrack(track, sink, f.log)
	})

	return p, nil
}

// PublisherFactory creates peers that send local media.
type PublisherFactory struct {
	api *pion.API
	cfg pion.Configuration
	log logging.LeveledLogger
}

var _ domain.MediaPeerFactory = (*PublisherFactory)(nil)

func NewPublisherFactory(opts Options) (*PublisherFactory, error) {
	api, err := NewAPI(Send, opts.LoggerFactory)
	if err != nil {
		return nil, err
	}
	return &PublisherFactory{
		api: api,
		cfg: Configuration(opts.ICEServers),
		log: opts.logger(),
	}, nil
}

func (f *PublisherFactory) NewMediaPeer(cameraID string) (domain.MediaPeer, error) {
	p, err := newPeer(f.api, f.cfg, cameraID, f.log)
	if err != nil {
		return nil, err
	}
	return p, nil
}
