package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/focusguard/proctor/internal/protocol"
)

// RTP buffer size (MTU-friendly). Used with sync.Pool to avoid per-packet allocs.
const rtpBufferSize = 1500

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

// SFU relays live spot-check feeds. Every student in an exam publishes their
// webcam; a proctor dashboard subscribes to one student's feed on demand.
// Unlike a broadcast room there is one publisher per student, not per exam.
type SFU struct {
	exams map[string]*sfuExam
	mu    sync.RWMutex
	log   *zap.Logger
	cfg   webrtc.Configuration
}

type sfuExam struct {
	code  string
	feeds map[uuid.UUID]*studentFeed
	mu    sync.RWMutex
	log   *zap.Logger
}

// studentFeed is one student's published camera and its watchers.
type studentFeed struct {
	publisher *webrtc.PeerConnection
	tracks    []*relayTrack
	watchers  map[string]*watcherPeer // keyed by dashboard connection ID
	mu        sync.RWMutex
}

type relayTrack struct {
	remote *webrtc.TrackRemote
	locals []*webrtc.TrackLocalStaticRTP
	mu     sync.Mutex
}

type watcherPeer struct {
	pc *webrtc.PeerConnection
}

// NewSFU creates an SFU with the given ICE (STUN/TURN) configuration.
func NewSFU(log *zap.Logger, iceServers []webrtc.ICEServer) *SFU {
	cfg := webrtc.Configuration{ICEServers: iceServers}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = defaultICE
	}
	return &SFU{
		exams: make(map[string]*sfuExam),
		log:   log,
		cfg:   cfg,
	}
}

func (s *SFU) getOrCreateExam(code string) *sfuExam {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.exams[code]; ok {
		return e
	}
	e := &sfuExam{
		code:  code,
		feeds: make(map[uuid.UUID]*studentFeed),
		log:   s.log.With(zap.String("exam_code", code)),
	}
	s.exams[code] = e
	return e
}

func (s *SFU) getExam(code string) *sfuExam {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exams[code]
}

func (e *sfuExam) getOrCreateFeed(studentID uuid.UUID) *studentFeed {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.feeds[studentID]; ok {
		return f
	}
	f := &studentFeed{watchers: make(map[string]*watcherPeer)}
	e.feeds[studentID] = f
	return f
}

func (e *sfuExam) getFeed(studentID uuid.UUID) *studentFeed {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.feeds[studentID]
}

// HandleCamOffer handles the SDP offer from a student publishing their
// camera. Creates the publisher PC and returns an answer through sendToStudent.
func (s *SFU) HandleCamOffer(examCode string, studentID uuid.UUID, sdp webrtc.SessionDescription, sendToStudent func(event string, payload interface{})) error {
	e := s.getOrCreateExam(examCode)
	f := e.getOrCreateFeed(studentID)

	f.mu.Lock()
	if f.publisher != nil {
		old := f.publisher
		f.publisher = nil
		f.tracks = nil
		f.mu.Unlock()
		_ = old.Close()
		f.mu.Lock()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		f.mu.Unlock()
		return err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(s.cfg)
	if err != nil {
		f.mu.Unlock()
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		sendToStudent(protocol.EventCamICE, protocol.ICEPayload{Candidate: b})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		relay := &relayTrack{remote: track}
		f.mu.Lock()
		f.tracks = append(f.tracks, relay)
		f.mu.Unlock()
		f.attachToWatchers(relay)
		go relay.readAndForward()
	})

	if err := pc.SetRemoteDescription(sdp); err != nil {
		_ = pc.Close()
		f.mu.Unlock()
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		f.mu.Unlock()
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		f.mu.Unlock()
		return err
	}
	f.publisher = pc
	f.mu.Unlock()

	sendToStudent(protocol.EventCamAnswer, protocol.SDPPayload{
		Type: answer.Type.String(),
		SDP:  answer.SDP,
	})
	return nil
}

func (rt *relayTrack) readAndForward() {
	for {
		// Reuse buffer from pool to avoid per-packet allocs and bound memory.
		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, _, err := rt.remote.Read(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			return
		}
		// Copy list of watchers under lock, then write without holding the
		// lock so one slow watcher doesn't block others.
		rt.mu.Lock()
		locals := make([]*webrtc.TrackLocalStaticRTP, len(rt.locals))
		copy(locals, rt.locals)
		rt.mu.Unlock()
		for _, local := range locals {
			_, _ = local.Write(buf[:n])
		}
		rtpBufferPool.Put(ptr)
	}
}

func (f *studentFeed) attachToWatchers(relay *relayTrack) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.watchers {
		if w.pc == nil {
			continue
		}
		local, err := webrtc.NewTrackLocalStaticRTP(relay.remote.Codec().RTPCodecCapability, relay.remote.ID(), relay.remote.StreamID())
		if err != nil {
			continue
		}
		relay.mu.Lock()
		relay.locals = append(relay.locals, local)
		relay.mu.Unlock()
		_, _ = w.pc.AddTrack(local)
	}
}

// HandleCamICE adds an ICE candidate to a student's publisher PC.
func (s *SFU) HandleCamICE(examCode string, studentID uuid.UUID, candidate webrtc.ICECandidateInit) error {
	e := s.getExam(examCode)
	if e == nil {
		return nil
	}
	f := e.getFeed(studentID)
	if f == nil {
		return nil
	}
	f.mu.RLock()
	pc := f.publisher
	f.mu.RUnlock()
	if pc != nil {
		return pc.AddICECandidate(candidate)
	}
	return nil
}

// HandleWatch creates a watcher PC for a dashboard and sends an offer
// carrying the student's current tracks.
func (s *SFU) HandleWatch(examCode string, studentID uuid.UUID, watcherID string, sendToWatcher func(event string, payload interface{})) error {
	e := s.getExam(examCode)
	if e == nil {
		sendToWatcher(protocol.EventError, protocol.ErrorMessage{Code: "no_feed"})
		return nil
	}
	f := e.getFeed(studentID)
	if f == nil {
		sendToWatcher(protocol.EventError, protocol.ErrorMessage{Code: "no_feed"})
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publisher == nil || len(f.tracks) == 0 {
		sendToWatcher(protocol.EventError, protocol.ErrorMessage{Code: "no_feed"})
		return nil
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(s.cfg)
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		sendToWatcher(protocol.EventWatchICE, protocol.ICEPayload{Candidate: b, StudentID: studentID})
	})

	for _, relay := range f.tracks {
		local, err := webrtc.NewTrackLocalStaticRTP(relay.remote.Codec().RTPCodecCapability, relay.remote.ID(), relay.remote.StreamID())
		if err != nil {
			continue
		}
		relay.mu.Lock()
		relay.locals = append(relay.locals, local)
		relay.mu.Unlock()
		_, _ = pc.AddTrack(local)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return err
	}
	f.watchers[watcherID] = &watcherPeer{pc: pc}
	sendToWatcher(protocol.EventWatchOffer, protocol.SDPPayload{
		Type:      offer.Type.String(),
		SDP:       offer.SDP,
		StudentID: studentID,
	})
	return nil
}

// HandleWatchAnswer sets the remote description (answer) for a watcher PC.
func (s *SFU) HandleWatchAnswer(examCode string, studentID uuid.UUID, watcherID string, sdp webrtc.SessionDescription) error {
	f := s.feed(examCode, studentID)
	if f == nil {
		return nil
	}
	f.mu.RLock()
	w, ok := f.watchers[watcherID]
	f.mu.RUnlock()
	if !ok || w.pc == nil {
		return nil
	}
	return w.pc.SetRemoteDescription(sdp)
}

// HandleWatchICE adds an ICE candidate to a watcher PC.
func (s *SFU) HandleWatchICE(examCode string, studentID uuid.UUID, watcherID string, candidate webrtc.ICECandidateInit) error {
	f := s.feed(examCode, studentID)
	if f == nil {
		return nil
	}
	f.mu.RLock()
	w, ok := f.watchers[watcherID]
	f.mu.RUnlock()
	if !ok || w.pc == nil {
		return nil
	}
	return w.pc.AddICECandidate(candidate)
}

// CloseFeed closes a student's publisher and all watcher PCs. Call when the
// student disconnects.
func (s *SFU) CloseFeed(examCode string, studentID uuid.UUID) {
	e := s.getExam(examCode)
	if e == nil {
		return
	}
	e.mu.Lock()
	f, ok := e.feeds[studentID]
	if ok {
		delete(e.feeds, studentID)
	}
	e.mu.Unlock()
	if f == nil {
		return
	}
	f.mu.Lock()
	if f.publisher != nil {
		_ = f.publisher.Close()
		f.publisher = nil
	}
	f.tracks = nil
	for id, w := range f.watchers {
		if w.pc != nil {
			_ = w.pc.Close()
		}
		delete(f.watchers, id)
	}
	f.mu.Unlock()
}

// UnregisterWatcher removes one dashboard's watcher PCs across all feeds of
// an exam. Call when the dashboard connection drops.
func (s *SFU) UnregisterWatcher(examCode, watcherID string) {
	e := s.getExam(examCode)
	if e == nil {
		return
	}
	e.mu.RLock()
	feeds := make([]*studentFeed, 0, len(e.feeds))
	for _, f := range e.feeds {
		feeds = append(feeds, f)
	}
	e.mu.RUnlock()
	for _, f := range feeds {
		f.mu.Lock()
		if w, ok := f.watchers[watcherID]; ok {
			delete(f.watchers, watcherID)
			if w.pc != nil {
				_ = w.pc.Close()
			}
		}
		f.mu.Unlock()
	}
}

func (s *SFU) feed(examCode string, studentID uuid.UUID) *studentFeed {
	e := s.getExam(examCode)
	if e == nil {
		return nil
	}
	return e.getFeed(studentID)
}

// ICE config helpers
var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// ParseICEServers builds the ICE server list from configured URLs, falling
// back to a public STUN server.
func ParseICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return defaultICE
	}
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}
