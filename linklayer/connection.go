package linklayer

import (
	"github.com/user/blesim/channel"
	"github.com/user/blesim/classifier"
	"github.com/user/blesim/clock"
	"github.com/user/blesim/events"
	"github.com/user/blesim/logger"
	"github.com/user/blesim/pdu"
	"github.com/user/blesim/phy"
	"github.com/user/blesim/queue"
	"github.com/user/blesim/stats"
)

const logTag = "linklayer"

// Connection drives one endpoint of a BLE connection: the FSM of
// spec.md §4.3, reception processing of §4.4, the continuation predicate
// of §4.5, and (for a Central holding a classifier) the channel-map-update
// procedure of §4.9. Central and peripheral are two independent Connection
// values that never reference each other directly — they exchange opaque
// frames through a shared phy.Medium (spec.md §9 "no cyclic ownership").
type Connection struct {
	cfg Config
	ctx Context

	queue  *queue.Queue
	stats  *stats.Connection
	sink   events.Sink
	medium *phy.Medium

	classifier classifier.Classifier

	scheduler *clock.Scheduler

	roundHalf       int // 0 or 1: which half of the current exchange round is active
	rxTimeoutHandle clock.Handle
	listenStart     clock.Micros
	supervisionH    clock.Handle

	active bool
}

// NewConnection builds a Connection ready to Start. cfg.InitialUsedChannels
// seeds the channel-selection state; cl, if non-nil, comes already built
// with its own reset map.
func NewConnection(cfg Config, scheduler *clock.Scheduler, medium *phy.Medium, sink events.Sink, cl classifier.Classifier) *Connection {
	c := &Connection{
		cfg:        cfg,
		queue:      queue.New(cfg.QueueCapacity),
		stats:      &stats.Connection{},
		sink:       sink,
		medium:     medium,
		classifier: cl,
		scheduler:  scheduler,
	}
	c.ctx.State = StateSleep
	c.ctx.EventCounter = -1
	c.ctx.UsedChannels = cfg.InitialUsedChannels
	c.ctx.SN = false
	c.ctx.NESN = false
	return c
}

// Queue exposes the application payload queue for traffic sources to
// enqueue into (spec.md §4.10 step 1).
func (c *Connection) Queue() *queue.Queue { return c.queue }

// Stats exposes the running statistics for this connection.
func (c *Connection) Stats() *stats.Connection { return c.stats }

// Active reports whether the connection is still running (not yet
// dropped to Standby).
func (c *Connection) Active() bool { return c.active }

// LinkID is the medium registration key for this endpoint.
func (c *Connection) LinkID() string { return c.cfg.LocalID }

// Start arms the first connection event and, for a Central with a
// classifier attached, the periodic classification callback.
func (c *Connection) Start() {
	c.active = true
	c.ctx.SupervisionDeadline = c.scheduler.Now() + c.cfg.SupervisionTimeout
	c.armSupervision()
	first := c.nextEventStart(c.ctx.EventCounter)
	c.scheduler.Schedule(first, 0, c.onEventStart)
	if c.classifier != nil && c.cfg.ClassifyPeriod > 0 {
		c.scheduler.Schedule(c.scheduler.Now()+c.cfg.ClassifyPeriod, c.cfg.ClassifyPeriod, c.onClassifierTick)
	}
}

func (c *Connection) nextEventStart(afterCounter int64) clock.Micros {
	return clock.Micros(afterCounter+1)*c.cfg.ConnInterval + c.cfg.ConnOffset
}

// maxPacketDuration is the air time of the largest possible frame on this
// connection's PHY, used for receive-window sizing and the continuation
// predicate floor (spec.md §4.3 step 4, §4.5).
func (c *Connection) maxPacketDuration() clock.Micros {
	return phy.MaxPacketDuration(c.cfg.PHYMode)
}

// --- event lifecycle -------------------------------------------------

func (c *Connection) onEventStart(now clock.Micros) {
	if !c.active {
		return
	}
	c.emitPriorEventEnd(now)
	c.ctx.EventCounter++
	c.ctx.ConsecutiveCRCFails = 0
	c.ctx.EventStartTime = now
	c.resetEventCounters()

	if !c.checkCommit(now) {
		return // connection terminated (central's update went unacknowledged)
	}
	c.selectChannel()

	c.roundHalf = 0
	c.enterHalfPhase(now)
}

func (c *Connection) emitPriorEventEnd(now clock.Micros) {
	if c.ctx.EventCounter < 0 {
		return
	}
	c.sink.OnConnectionEventEnded(events.ConnectionEventEnded{
		Time:      now,
		Counter:   uint16(c.ctx.EventCounter % 65536),
		TxPackets: c.ctx.EventTxPackets,
		RxPackets: c.ctx.EventRxPackets,
		CRCFailed: c.ctx.EventCRCFailed,
	})
}

func (c *Connection) resetEventCounters() {
	c.ctx.EventTxPackets = 0
	c.ctx.EventRxPackets = 0
	c.ctx.EventCRCFailed = 0
}

func (c *Connection) selectChannel() {
	ch, err := channel.Select(c.cfg.AccessAddress, c.cfg.HopIncrement, c.ctx.UsedChannels, uint16(c.ctx.EventCounter%65536))
	if err != nil {
		logger.Error(logTag, "%s: channel selection failed: %v", c.cfg.LocalName, err)
		return
	}
	c.ctx.CurrentChannel = ch
	if c.classifier != nil {
		c.classifier.SetCurrentChannel(ch)
	}
}

// enterHalfPhase runs the half of the exchange round whose turn it is:
// Central transmits first and receives second; Peripheral mirrors it
// (spec.md §4.3 "Peripheral event flow mirrors the central but starts in
// Receive").
func (c *Connection) enterHalfPhase(now clock.Micros) {
	isTx := (c.roundHalf == 0) == (c.cfg.Role == Central)
	if isTx {
		c.transmit(now)
	} else {
		c.listen(now)
	}
}

// afterHalfPhase runs when either half completes (Tx air time elapsed, or
// the Rx window closed by delivery or timeout) plus the trailing TIFS
// idle. The first half always proceeds straight to the second; after the
// second, the continuation predicate decides whether to loop or sleep.
func (c *Connection) afterHalfPhase(now clock.Micros) {
	if !c.active {
		return
	}
	if c.roundHalf == 0 {
		c.roundHalf = 1
		c.enterHalfPhase(now)
		return
	}
	if c.continuationOK(now) {
		c.roundHalf = 0
		c.enterHalfPhase(now)
		return
	}
	c.sleepUntilNextEvent(now)
}

// continuationOK implements the floor of spec.md §4.5.
func (c *Connection) continuationOK(now clock.Micros) bool {
	elapsed := now - c.ctx.EventStartTime
	remaining := c.cfg.ActivePeriod - elapsed
	floor := 2 * (c.maxPacketDuration() + phy.TIFS)
	return remaining+c.cfg.ConnOffset > floor &&
		c.ctx.MoreData() &&
		c.ctx.ConsecutiveCRCFails <= 1 &&
		!c.ctx.PhyRxFailed
}

func (c *Connection) sleepUntilNextEvent(now clock.Micros) {
	c.ctx.State = StateSleep
	target := c.nextEventStart(c.ctx.EventCounter)
	if target > now {
		c.stats.SleepTime += target - now
	}
	c.scheduler.Schedule(target, 0, c.onEventStart)
}

// --- transmit half -----------------------------------------------------

func (c *Connection) transmit(now clock.Micros) {
	c.ctx.State = StateTransmit
	retransmit := c.ctx.LastTxInFlight
	var frame []byte
	var isControl, isEmpty bool
	var appTS clock.Micros
	if retransmit {
		// A retransmission keeps its SN and payload but carries the current
		// NESN, so it still acknowledges what the peer has sent since.
		frame = c.ctx.LastTxFrame
		if c.ctx.LastTxIsControl {
			if ind, _, sn, ok, err := pdu.DecodeChannelMapIndication(frame, c.cfg.CRCSeed); err == nil && ok {
				frame = pdu.EncodeChannelMapIndication(ind, c.ctx.NESN, sn, c.cfg.CRCSeed)
			}
		} else if h, payload, ok, err := pdu.DecodeDataPDU(frame, c.cfg.CRCSeed); err == nil && ok {
			h.NESN = c.ctx.NESN
			frame, _ = pdu.EncodeDataPDU(h, payload, c.cfg.CRCSeed)
		}
		c.ctx.LastTxFrame = frame
		isControl = c.ctx.LastTxIsControl
		isEmpty = c.ctx.LastTxIsEmpty
		appTS = c.ctx.LastTxAppTimestamp
	} else {
		frame, isControl, isEmpty, appTS = c.selectPacket(now)
		c.ctx.LastTxFrame = frame
		c.ctx.LastTxIsControl = isControl
		c.ctx.LastTxIsEmpty = isEmpty
		c.ctx.LastTxAppTimestamp = appTS
		c.ctx.LastTxInFlight = true
		c.ctx.RTTStart = now
	}
	c.ctx.LastTxTimestamp = now

	dur := phy.PacketAirTime(c.cfg.PHYMode, len(frame))
	c.stats.TransmittedPackets++
	c.stats.TransmittedBytes += int64(len(frame))
	c.ctx.EventTxPackets++
	if retransmit {
		c.stats.RetransmittedPackets++
	}
	switch {
	case isControl:
		c.stats.ControlPackets++
	case isEmpty:
		c.stats.EmptyPackets++
	default:
		c.stats.DataPackets++
		c.stats.TransmittedPayloadBytes += int64(len(frame) - pdu.FrameOverhead)
	}

	c.sink.OnPacketTransmissionStarted(events.PacketTransmissionStarted{
		Time:          now,
		PeerName:      c.cfg.RemoteName,
		PeerID:        c.cfg.RemoteID,
		Channel:       c.ctx.CurrentChannel,
		IsControl:     isControl,
		IsEmpty:       isEmpty,
		IsRetransmit:  retransmit,
		PayloadLength: len(frame) - pdu.FrameOverhead,
		Frame:         frame,
	})

	if err := c.medium.Send(phy.Transmission{
		AccessAddress:  c.cfg.AccessAddress,
		Channel:        c.ctx.CurrentChannel,
		Mode:           c.cfg.PHYMode,
		Frame:          frame,
		LLTimestamp:    now,
		AppTimestamp:   appTS,
		PacketDuration: dur,
		FromID:         c.cfg.LocalID,
	}, c.cfg.RemoteLinkID); err != nil {
		logger.Warn(logTag, "%s: %v", c.cfg.LocalName, err)
	}

	c.stats.TxTime += dur
	c.scheduler.After(dur, func(now clock.Micros) {
		c.stats.IdleTime += phy.TIFS
		c.scheduler.After(phy.TIFS, c.afterHalfPhase)
	})
}

// selectPacket implements the packet selection priority of spec.md §4.3:
// retransmit buffer > control PDU > queued application PDU > empty PDU.
func (c *Connection) selectPacket(now clock.Micros) (frame []byte, isControl, isEmpty bool, appTS clock.Micros) {
	wantsControl := c.ctx.ChannelsClassified || (c.ctx.ClassificationSent && !c.ctx.ChannelUpdateAck)
	if wantsControl {
		if !c.ctx.ClassificationSent {
			c.ctx.PendingInstant = c.ctx.EventCounter + int64(c.cfg.InstantOffset)
			c.ctx.ClassificationSent = true
			c.ctx.UpdateInProgress = true
			c.ctx.ChannelUpdateAck = false
		}
		c.ctx.ChannelsClassified = false
		c.ctx.TxMoreData = !c.queue.Empty()
		frame := pdu.EncodeChannelMapIndication(pdu.ChannelMapIndication{
			Map:     c.ctx.PendingMap,
			Instant: uint16(c.ctx.PendingInstant % 65536),
		}, c.ctx.NESN, c.ctx.SN, c.cfg.CRCSeed)
		return frame, true, false, now
	}

	if item, ok := c.queue.Dequeue(); ok {
		c.ctx.TxMoreData = !c.queue.Empty()
		h := pdu.Header{LLID: pdu.LLIDStartOrComplete, NESN: c.ctx.NESN, SN: c.ctx.SN, MoreData: c.ctx.TxMoreData}
		frame, err := pdu.EncodeDataPDU(h, item.Payload, c.cfg.CRCSeed)
		if err != nil {
			logger.Error(logTag, "%s: encode failed: %v", c.cfg.LocalName, err)
			h := pdu.Header{LLID: pdu.LLIDContinuationOrEmpty, NESN: c.ctx.NESN, SN: c.ctx.SN}
			empty, _ := pdu.EncodeDataPDU(h, nil, c.cfg.CRCSeed)
			return empty, false, true, now
		}
		return frame, false, false, item.Timestamp
	}

	c.ctx.TxMoreData = false
	h := pdu.Header{LLID: pdu.LLIDContinuationOrEmpty, NESN: c.ctx.NESN, SN: c.ctx.SN}
	frame, _ = pdu.EncodeDataPDU(h, nil, c.cfg.CRCSeed)
	return frame, false, true, now
}

// --- receive half --------------------------------------------------

func (c *Connection) listen(now clock.Micros) {
	c.ctx.State = StateReceive
	c.ctx.PhyRxFailed = false
	c.listenStart = now
	c.rxTimeoutHandle = c.scheduler.After(c.maxPacketDuration(), c.ReceiveTimeout)
}

// DeliverRX is called by the medium when a transmission addressed to this
// endpoint arrives (phy.Receiver).
func (c *Connection) DeliverRX(now clock.Micros, tx phy.Transmission, outcome phy.Outcome) {
	if !c.active {
		return
	}
	c.rxTimeoutHandle.Cancel()
	c.stats.ListenTime += now - c.listenStart

	c.processReception(now, tx, outcome)

	c.scheduler.After(phy.TIFS, func(now clock.Micros) {
		c.stats.IdleTime += phy.TIFS
		c.afterHalfPhase(now)
	})
}

// ReceiveTimeout is called by the medium when no transmission arrives
// before the listen window closes (phy.Receiver): the implicit PHY
// failure of spec.md §6.
func (c *Connection) ReceiveTimeout(now clock.Micros) {
	if !c.active {
		return
	}
	c.stats.ListenTime += now - c.listenStart
	c.ctx.PhyRxFailed = true
	c.scheduler.After(phy.TIFS, func(now clock.Micros) {
		c.stats.IdleTime += phy.TIFS
		c.afterHalfPhase(now)
	})
}

// processReception implements spec.md §4.4.
func (c *Connection) processReception(now clock.Micros, tx phy.Transmission, outcome phy.Outcome) {
	if tx.AccessAddress != c.cfg.AccessAddress {
		c.ctx.PhyRxFailed = true
		return
	}

	llid, err := pdu.PeekLLID(tx.Frame)
	if err != nil {
		c.ctx.PhyRxFailed = true
		return
	}

	var (
		h         pdu.Header
		payload   []byte
		crcOK     bool
		isControl bool
		ind       pdu.ChannelMapIndication
	)
	if llid == pdu.LLIDControl {
		isControl = true
		ind, h.NESN, h.SN, crcOK, err = pdu.DecodeChannelMapIndication(tx.Frame, c.cfg.CRCSeed)
	} else {
		h, payload, crcOK, err = pdu.DecodeDataPDU(tx.Frame, c.cfg.CRCSeed)
	}
	if err != nil {
		c.ctx.PhyRxFailed = true
		return
	}

	if !crcOK {
		c.ctx.RxMoreData = true
		c.ctx.ConsecutiveCRCFails++
		c.stats.CRCFailedPackets++
		c.ctx.EventCRCFailed++
		c.emitReceptionEnded(now, outcome, tx.Frame, false, isControl, false)
		return
	}
	c.ctx.ConsecutiveCRCFails = 0
	c.ctx.RxMoreData = h.MoreData

	c.ctx.SupervisionDeadline = now + c.cfg.SupervisionTimeout
	c.armSupervision()

	isDuplicate := false
	if h.SN == c.ctx.NESN {
		c.ctx.NESN = !c.ctx.NESN
		if len(payload) > 0 {
			c.stats.RecordLatency(now - tx.AppTimestamp)
			c.stats.ReceivedPayloadBytes += int64(len(payload))
		}
	} else {
		isDuplicate = true
		c.stats.DuplicatePackets++
	}

	if h.NESN != c.ctx.SN {
		c.ctx.LastTxInFlight = false
		c.ctx.SN = !c.ctx.SN
		c.stats.RecordRTT(now - c.ctx.RTTStart)
		if !c.ctx.LastTxIsEmpty && !c.ctx.LastTxIsControl {
			c.stats.AcknowledgedPackets++
		}
		if c.ctx.ClassificationSent {
			c.ctx.ChannelUpdateAck = true
		}
	}

	if isControl {
		c.ctx.PendingMap = ind.Map
		c.ctx.PendingInstant = int64(ind.Instant)
		c.ctx.ChannelUpdateAck = true
		c.ctx.UpdateInProgress = true
	}

	c.stats.ReceivedPackets++
	c.stats.ReceivedBytes += int64(len(tx.Frame))
	c.ctx.EventRxPackets++
	c.emitReceptionEnded(now, outcome, tx.Frame, true, isControl, isDuplicate)

	if c.classifier != nil {
		c.classifier.OnReception(events.PacketReceptionEnded{
			Time:      now,
			PeerName:  c.cfg.RemoteName,
			PeerID:    c.cfg.RemoteID,
			Channel:   c.ctx.CurrentChannel,
			Success:   true,
			IsControl: isControl,
		})
	}
}

func (c *Connection) emitReceptionEnded(now clock.Micros, outcome phy.Outcome, frame []byte, success, isControl, isDuplicate bool) {
	c.sink.OnPacketReceptionEnded(events.PacketReceptionEnded{
		Time:        now,
		PeerName:    c.cfg.RemoteName,
		PeerID:      c.cfg.RemoteID,
		Channel:     c.ctx.CurrentChannel,
		Success:     success,
		RSSI:        outcome.RSSIDBm,
		SINR:        outcome.SINRDB,
		IsControl:   isControl,
		IsDuplicate: isDuplicate,
		Frame:       frame,
	})
	if c.classifier != nil && !success {
		c.classifier.OnReception(events.PacketReceptionEnded{
			Time:      now,
			PeerName:  c.cfg.RemoteName,
			PeerID:    c.cfg.RemoteID,
			Channel:   c.ctx.CurrentChannel,
			Success:   false,
			IsControl: isControl,
		})
	}
}

// --- channel-map-update procedure (spec.md §4.9) ------------------------

// onClassifierTick runs the classifier's periodic pass and, on a valid
// proposal that differs from the enforced map, arms a pending update to be
// sent on the connection's next transmit opportunity.
func (c *Connection) onClassifierTick(now clock.Micros) {
	if !c.active || c.classifier == nil {
		return
	}
	chans, ok := c.classifier.Tick()
	if !ok {
		return
	}
	if len(chans) < 2 {
		logger.Warn(logTag, "%s: classifier proposed %d channels (<2), ignoring", c.cfg.LocalName, len(chans))
		return
	}
	for _, ch := range chans {
		if ch < 0 || ch >= channel.NumDataChannels {
			logger.Warn(logTag, "%s: classifier proposed out-of-range channel %d, ignoring", c.cfg.LocalName, ch)
			return
		}
	}
	newMap, err := channel.NewMap(chans)
	if err != nil {
		logger.Warn(logTag, "%s: %v", c.cfg.LocalName, err)
		return
	}
	if newMap.Equal(c.ctx.UsedChannels) {
		return
	}
	if c.ctx.UpdateInProgress {
		return // only one update may be in flight per connection
	}
	c.ctx.PendingMap = newMap
	c.ctx.ChannelsClassified = true
}

// checkCommit runs at the top of each event (spec.md §4.3 step 2). It
// returns false if the connection was just terminated because the central
// reached the instant without an acknowledgement.
func (c *Connection) checkCommit(now clock.Micros) bool {
	if !c.ctx.UpdateInProgress {
		return true
	}
	if c.ctx.EventCounter != c.ctx.PendingInstant {
		return true
	}
	if c.cfg.Role == Central && !c.ctx.ChannelUpdateAck {
		c.terminate(now, "channel map update not acknowledged by instant")
		return false
	}
	c.ctx.UsedChannels = c.ctx.PendingMap
	c.ctx.UpdateInProgress = false
	c.ctx.ChannelsClassified = false
	c.ctx.ClassificationSent = false
	c.ctx.ChannelUpdateAck = false
	c.sink.OnChannelMapUpdated(events.ChannelMapUpdated{
		Time:            now,
		PeerName:        c.cfg.RemoteName,
		PeerID:          c.cfg.RemoteID,
		UsedChannelList: c.ctx.UsedChannels.Channels(),
	})
	return true
}

// --- supervision & termination -----------------------------------------

func (c *Connection) armSupervision() {
	c.supervisionH.Cancel()
	c.supervisionH = c.scheduler.Schedule(c.ctx.SupervisionDeadline, 0, c.onSupervisionTimeout)
}

func (c *Connection) onSupervisionTimeout(now clock.Micros) {
	if !c.active {
		return
	}
	c.terminate(now, "supervision timeout")
}

func (c *Connection) terminate(now clock.Micros, reason string) {
	if !c.active {
		return
	}
	c.active = false
	c.ctx.State = StateStandby
	c.rxTimeoutHandle.Cancel()
	c.supervisionH.Cancel()
	logger.Warn(logTag, "%s: connection to %s dropped (%s)", c.cfg.LocalName, c.cfg.RemoteName, reason)
}
