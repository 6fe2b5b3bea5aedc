package webrtc

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

// browserOffer builds a receive-only offer the way a viewer page would.
func browserOffer(t *testing.T) ([]byte, *webrtc.PeerConnection) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		t.Fatal(err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		t.Fatal("offer ICE gathering timed out")
	}
	data, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		t.Fatal(err)
	}
	return data, pc
}

func TestHandleOfferRejectsGarbage(t *testing.T) {
	s := NewServer(Options{MaxClients: 1})
	if _, err := s.HandleOffer([]byte("not json")); err == nil {
		t.Error("garbage offer accepted")
	}
	if s.ClientCount() != 0 {
		t.Errorf("ClientCount = %d", s.ClientCount())
	}
}

func TestOfferAnswerAndLimit(t *testing.T) {
	s := NewServer(Options{MaxClients: 1, FrameRate: 10})
	defer s.Close()

	offer, pc := browserOffer(t)
	answerJSON, err := s.HandleOffer(offer)
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(answerJSON, &answer); err != nil {
		t.Fatal(err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Errorf("answer type = %s", answer.Type)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	if s.ClientCount() != 1 || s.m.TotalClients.Load() != 1 {
		t.Errorf("ClientCount = %d, TotalClients = %d", s.ClientCount(), s.m.TotalClients.Load())
	}

	second, _ := browserOffer(t)
	if _, err := s.HandleOffer(second); !errors.Is(err, ErrTooManyClients) {
		t.Errorf("second offer = %v, want ErrTooManyClients", err)
	}

	stats := s.Stats()
	if len(stats) != 1 {
		t.Fatalf("Stats = %v", stats)
	}
	s.RemoveClient(stats[0].ID)
	s.RemoveClient(stats[0].ID)
	if s.ClientCount() != 0 || s.m.ActiveClients.Load() != 0 {
		t.Errorf("after remove: ClientCount = %d, ActiveClients = %d", s.ClientCount(), s.m.ActiveClients.Load())
	}
}

func TestClientWaitsForIDR(t *testing.T) {
	c := &Client{
		frameChan: make(chan *types.H264Frame, 2),
		closeChan: make(chan struct{}),
	}
	if c.offer(&types.H264Frame{FrameNum: 1}) {
		t.Error("P frame accepted before the first IDR")
	}
	if !c.offer(&types.H264Frame{FrameNum: 2, IsIDR: true}) {
		t.Error("IDR rejected")
	}
	if !c.offer(&types.H264Frame{FrameNum: 3}) {
		t.Error("P frame after IDR rejected")
	}
	// Backlog full: the frame is dropped and the client resyncs on IDR.
	if c.offer(&types.H264Frame{FrameNum: 4}) {
		t.Error("frame accepted with a full backlog")
	}
	if c.framesDropped.Load() != 1 || c.synced.Load() {
		t.Errorf("dropped = %d synced = %v", c.framesDropped.Load(), c.synced.Load())
	}
}

func TestSendSampleWithoutClients(t *testing.T) {
	s := NewServer(Options{})
	s.SendSample(&types.H264Frame{IsIDR: true})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
