package webrtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
)

// PLIInterval is how often a viewer asks the camera for a keyframe.
const PLIInterval = 3 * time.Second

const h264PayloadType = 102

var h264Feedback = []pion.RTCPFeedback{
	{Type: pion.TypeRTCPFBNACK},
	{Type: pion.TypeRTCPFBNACK, Parameter: "pli"},
	{Type: pion.TypeRTCPFBCCM, Parameter: "fir"},
}

// Direction selects which side of the stream an API is built for.
type Direction int

const (
	Receive Direction = iota
	Send
)

// NewAPI builds a pion API that only speaks H264 and wires the RTCP
// interceptors for the given direction.
func NewAPI(dir Direction, loggerFactory logging.LoggerFactory) (*pion.API, error) {
	m := &pion.MediaEngine{}

	h264Codec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:     pion.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: h264Feedback,
		},
		PayloadType: h264PayloadType,
	}
	if err := m.RegisterCodec(h264Codec, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264: %w", err)
	}

	i := &interceptor.Registry{}
	switch dir {
	case Send:
		responder, err := nack.NewResponderInterceptor()
		if err != nil {
			return nil, fmt.Errorf("create nack responder: %w", err)
		}
		i.Add(responder)

	case Receive:
		generator, err := nack.NewGeneratorInterceptor()
		if err != nil {
			return nil, fmt.Errorf("create nack generator: %w", err)
		}
		i.Add(generator)

		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(PLIInterval))
		if err != nil {
			return nil, fmt.Errorf("create interval pli: %w", err)
		}
		i.Add(pli)
	}

	s := pion.SettingEngine{}
	if loggerFactory != nil {
		s.LoggerFactory = loggerFactory
	}

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(s),
	), nil
}

// Configuration turns ICE server URLs into a peer connection configuration.
func Configuration(iceServers []string) pion.Configuration {
	var servers []pion.ICEServer
	for _, url := range iceServers {
		if url == "" {
			continue
		}
		servers = append(servers, pion.ICEServer{URLs: []string{url}})
	}

	return pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	}
}
