// Package stream maintains the brokerage market-data WebSocket connection
// and forwards minute bars to the engine. Reconnection and resubscription
// are handled here; the engine only sees bar events.
package stream

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"alpaca-trader/internal/config"
	"alpaca-trader/internal/models"
)

const pingFrequency = 30 * time.Second

// BarEvent is a minute bar received from the stream.
type BarEvent struct {
	Symbol models.Symbol
	Bar    models.Bar
}

type streamState int

const (
	stateClosed streamState = iota
	stateOpening
	stateOpen
	stateUnexpectedlyClosed
	stateErroring
)

type requestKind int

const (
	requestOpen requestKind = iota
	requestSubscribeBars
	requestClose
)

type request struct {
	kind    requestKind
	symbols []models.Symbol
}

type incomingKind int

const (
	incomingMessage incomingKind = iota
	incomingPing
	incomingPong
	incomingListenerExited
	incomingError
)

type incomingEvent struct {
	kind     incomingKind
	message  streamMessage
	pingData []byte
	epoch    int
}

// streamMessage is the flattened wire message, discriminated by the T field.
type streamMessage struct {
	Type string `json:"T"`

	Msg  string `json:"msg,omitempty"`
	Code int    `json:"code,omitempty"`

	Trades []models.Symbol `json:"trades,omitempty"`
	Quotes []models.Symbol `json:"quotes,omitempty"`
	Bars   []models.Symbol `json:"bars,omitempty"`

	Symbol models.Symbol   `json:"S,omitempty"`
	Open   decimal.Decimal `json:"o,omitempty"`
	High   decimal.Decimal `json:"h,omitempty"`
	Low    decimal.Decimal `json:"l,omitempty"`
	Close  decimal.Decimal `json:"c,omitempty"`
	Volume int64           `json:"v,omitempty"`
	Time   time.Time       `json:"t,omitempty"`
}

type streamAction struct {
	Action string          `json:"action"`
	Key    string          `json:"key,omitempty"`
	Secret string          `json:"secret,omitempty"`
	Bars   []models.Symbol `json:"bars,omitempty"`
}

// Stream is the market-data stream task. Construct with New, run the task
// with Run, and drive it with Open, SubscribeBars and Close from any
// goroutine.
type Stream struct {
	cfg      config.AlpacaConfig
	events   chan<- BarEvent
	logger   zerolog.Logger
	requests chan request
	incoming chan incomingEvent

	state           streamState
	conn            *websocket.Conn
	connectionEpoch int
	pongPending     bool
	lastMessageRecv time.Time

	expectedSubs map[models.Symbol]struct{}
	actualSubs   map[models.Symbol]struct{}
}

// New creates a stream task that emits bar events into the given channel.
func New(cfg config.AlpacaConfig, events chan<- BarEvent, logger zerolog.Logger) *Stream {
	return &Stream{
		cfg:          cfg,
		events:       events,
		logger:       logger.With().Str("component", "stream").Logger(),
		requests:     make(chan request, 1),
		incoming:     make(chan incomingEvent, 16),
		state:        stateClosed,
		expectedSubs: make(map[models.Symbol]struct{}),
		actualSubs:   make(map[models.Symbol]struct{}),
	}
}

// Open requests that the stream connection be established.
func (s *Stream) Open() {
	s.requests <- request{kind: requestOpen}
}

// SubscribeBars requests minute-bar subscriptions for the given symbols.
func (s *Stream) SubscribeBars(symbols []models.Symbol) {
	s.requests <- request{kind: requestSubscribeBars, symbols: symbols}
}

// Close requests that the stream connection be shut down.
func (s *Stream) Close() {
	s.requests <- request{kind: requestClose}
}

// Run processes requests and socket traffic until the context is canceled.
func (s *Stream) Run(ctx context.Context) {
	ticker := time.NewTicker(pingFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeConn()
			return
		case req := <-s.requests:
			s.handleRequest(req)
		case ev := <-s.incoming:
			s.handleIncoming(ev)
		case <-ticker.C:
			s.checkTimeout()
		}
		s.reconcile(ctx)
	}
}

func (s *Stream) handleRequest(req request) {
	switch req.kind {
	case requestOpen:
		if s.state != stateClosed {
			s.logger.Warn().Msg("received redundant request to open already open stream")
			return
		}
		s.state = stateOpening
	case requestSubscribeBars:
		for _, symbol := range req.symbols {
			s.expectedSubs[symbol] = struct{}{}
		}
	case requestClose:
		if s.state == stateOpen {
			if err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
				s.logger.Warn().Err(err).Msg("failed to send close message")
			}
			s.conn.Close()
			s.conn = nil
		}
		s.state = stateClosed
	}
}

func (s *Stream) handleIncoming(ev incomingEvent) {
	switch ev.kind {
	case incomingMessage:
		if ev.epoch != s.connectionEpoch {
			return
		}
		s.handleMessage(ev.message)
	case incomingPing:
		s.lastMessageRecv = time.Now()
		if s.state == stateOpen {
			_ = s.conn.WriteMessage(websocket.PongMessage, ev.pingData)
		}
	case incomingPong:
		s.lastMessageRecv = time.Now()
		s.pongPending = false
	case incomingListenerExited:
		if ev.epoch != s.connectionEpoch {
			return
		}
		if s.state == stateOpen {
			s.state = stateUnexpectedlyClosed
		}
	case incomingError:
		if ev.epoch != s.connectionEpoch {
			return
		}
		s.state = stateErroring
	}
}

func (s *Stream) handleMessage(message streamMessage) {
	s.lastMessageRecv = time.Now()

	switch message.Type {
	case "b":
		s.events <- BarEvent{
			Symbol: message.Symbol,
			Bar: models.Bar{
				Time:   message.Time,
				Open:   message.Open,
				High:   message.High,
				Low:    message.Low,
				Close:  message.Close,
				Volume: message.Volume,
			},
		}
	case "subscription":
		if len(message.Trades) > 0 || len(message.Quotes) > 0 {
			s.logger.Warn().Msg("trades and quotes are not supported yet")
		}
		s.actualSubs = make(map[models.Symbol]struct{}, len(message.Bars))
		for _, symbol := range message.Bars {
			s.actualSubs[symbol] = struct{}{}
		}
	case "error":
		s.logger.Warn().Int("code", message.Code).Str("msg", message.Msg).Msg("received error message")
	default:
		s.logger.Warn().Str("type", message.Type).Msg("received unexpected status message")
	}
}

func (s *Stream) checkTimeout() {
	if s.state != stateOpen {
		return
	}

	if s.pongPending {
		s.logger.Error().Msg("websocket stream timed out")
		s.closeConn()
		s.state = stateUnexpectedlyClosed
		return
	}

	if time.Since(s.lastMessageRecv) < pingFrequency {
		return
	}

	if err := s.conn.WriteMessage(websocket.PingMessage, []byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		s.logger.Error().Err(err).Msg("failed to send ping")
		s.state = stateErroring
		return
	}
	s.pongPending = true
}

// reconcile drives the state machine toward the requested state and sends
// whatever subscription changes are outstanding.
func (s *Stream) reconcile(ctx context.Context) {
	if s.state != stateOpen {
		s.connectionEpoch++
	}

	switch s.state {
	case stateOpening:
		conn, err := s.connect(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to connect")
			return
		}

		s.conn = conn
		s.pongPending = false
		s.lastMessageRecv = time.Now()
		s.state = stateOpen
		go s.readLoop(conn, s.connectionEpoch)
		s.reconcile(ctx)
	case stateOpen:
		for _, action := range requiredActions(s.expectedSubs, s.actualSubs) {
			payload, err := json.Marshal(action)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to encode stream action")
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Error().Err(err).Msg("failed to send message")
				s.state = stateErroring
				return
			}
		}
		// Assume the actions succeeded; the subscription message will
		// correct us otherwise.
		s.actualSubs = make(map[models.Symbol]struct{}, len(s.expectedSubs))
		for symbol := range s.expectedSubs {
			s.actualSubs[symbol] = struct{}{}
		}
	case stateUnexpectedlyClosed, stateErroring:
		s.closeConn()
		s.actualSubs = make(map[models.Symbol]struct{})
		s.state = stateOpening
		s.reconcile(ctx)
	case stateClosed:
		s.expectedSubs = make(map[models.Symbol]struct{})
		s.actualSubs = make(map[models.Symbol]struct{})
	}
}

func (s *Stream) closeConn() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.StreamURL, nil)
	if err != nil {
		return nil, err
	}

	if err := expectStatus(conn, "connected"); err != nil {
		conn.Close()
		return nil, err
	}

	auth := streamAction{Action: "auth", Key: s.cfg.KeyID, Secret: s.cfg.SecretKey}
	payload, err := json.Marshal(auth)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return nil, err
	}

	if err := expectStatus(conn, "authenticated"); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

func expectStatus(conn *websocket.Conn, expected string) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	messages, err := parseMessages(data)
	if err != nil {
		return err
	}
	if len(messages) != 1 {
		return &handshakeError{expected: expected, got: "multiple messages"}
	}

	message := messages[0]
	switch message.Type {
	case "success":
		if message.Msg != expected {
			return &handshakeError{expected: expected, got: message.Msg}
		}
		return nil
	case "error":
		return &handshakeError{expected: expected, got: message.Msg}
	default:
		return &handshakeError{expected: expected, got: message.Type}
	}
}

type handshakeError struct {
	expected string
	got      string
}

func (e *handshakeError) Error() string {
	return "stream handshake: expected " + e.expected + ", got " + e.got
}

// parseMessages tolerates both a bare message and the array framing the
// brokerage uses for data messages.
func parseMessages(data []byte) ([]streamMessage, error) {
	var messages []streamMessage
	if err := json.Unmarshal(data, &messages); err == nil {
		return messages, nil
	}
	var single streamMessage
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []streamMessage{single}, nil
}

// readLoop forwards socket traffic into the task loop. It tags everything
// with the connection epoch so stale messages from a replaced connection are
// dropped.
func (s *Stream) readLoop(conn *websocket.Conn, epoch int) {
	conn.SetPingHandler(func(data string) error {
		s.incoming <- incomingEvent{kind: incomingPing, pingData: []byte(data), epoch: epoch}
		return nil
	})
	conn.SetPongHandler(func(string) error {
		s.incoming <- incomingEvent{kind: incomingPong, epoch: epoch}
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.incoming <- incomingEvent{kind: incomingListenerExited, epoch: epoch}
			} else {
				s.logger.Error().Err(err).Msg("websocket stream entered erroneous state")
				s.incoming <- incomingEvent{kind: incomingError, epoch: epoch}
			}
			return
		}

		messages, err := parseMessages(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("received malformed incoming message")
			continue
		}
		for _, message := range messages {
			s.incoming <- incomingEvent{kind: incomingMessage, message: message, epoch: epoch}
		}
	}
}

// requiredActions computes the subscribe/unsubscribe actions needed to move
// the actual subscription state to the expected one.
func requiredActions(expected, actual map[models.Symbol]struct{}) []streamAction {
	var subscribe, unsubscribe []models.Symbol
	for symbol := range expected {
		if _, ok := actual[symbol]; !ok {
			subscribe = append(subscribe, symbol)
		}
	}
	for symbol := range actual {
		if _, ok := expected[symbol]; !ok {
			unsubscribe = append(unsubscribe, symbol)
		}
	}
	sortSymbols(subscribe)
	sortSymbols(unsubscribe)

	var actions []streamAction
	if len(subscribe) > 0 {
		actions = append(actions, streamAction{Action: "subscribe", Bars: subscribe})
	}
	if len(unsubscribe) > 0 {
		actions = append(actions, streamAction{Action: "unsubscribe", Bars: unsubscribe})
	}
	return actions
}

func sortSymbols(symbols []models.Symbol) {
	sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })
}
