package rtpsession

import (
	mrand "math/rand"
	"time"

	"github.com/pion/rtcp"
)

// ntpEpochOffset converts between the Unix epoch and the RTCP NTP epoch
// (1900-01-01).
const ntpEpochOffset = 2208988800

func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}

// reportLoop emits a compound report every ReportInterval, jittered by
// ±1/3 so colocated sessions don't synchronise their reporting.
func (s *Session) reportLoop() {
	defer s.wg.Done()
	for {
		interval := s.cfg.ReportInterval
		jittered := interval*2/3 + time.Duration(mrand.Int63n(int64(interval)*2/3+1))
		select {
		case <-s.done:
			return
		case <-time.After(jittered):
			if err := s.sendReport(false); err != nil {
				s.log.Debug().Err(err).Msg("periodic report failed")
			}
		}
	}
}

// sendReport builds and writes one RTCP compound: SR when anything has
// been sent, RR otherwise, always followed by SDES with CNAME and TOOL,
// plus BYE when final.
func (s *Session) sendReport(final bool) error {
	now := time.Now()

	s.mu.Lock()
	var reports []rtcp.ReceptionReport
	if s.recvPrimed {
		reports = append(reports, s.buildReceptionReportLocked(now))
	}
	var compound []rtcp.Packet
	if s.packetsSent > 0 {
		var rtpNow uint32
		if s.tsPrimed {
			elapsed := now.Sub(s.tsBaseTime)
			rtpNow = s.tsBase + uint32(elapsed.Seconds()*float64(s.cfg.Format.ClockRate))
		}
		compound = append(compound, &rtcp.SenderReport{
			SSRC:        s.ssrcOut,
			NTPTime:     ntpTime(now),
			RTPTime:     rtpNow,
			PacketCount: uint32(s.packetsSent),
			OctetCount:  uint32(s.octetsSent),
			Reports:     reports,
		})
	} else {
		compound = append(compound, &rtcp.ReceiverReport{
			SSRC:    s.ssrcOut,
			Reports: reports,
		})
	}
	items := []rtcp.SourceDescriptionItem{
		{Type: rtcp.SDESCNAME, Text: s.cfg.CanonicalName},
	}
	if s.cfg.ToolName != "" {
		items = append(items, rtcp.SourceDescriptionItem{Type: rtcp.SDESTool, Text: s.cfg.ToolName})
	}
	compound = append(compound, &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{Source: s.ssrcOut, Items: items}},
	})
	if final {
		compound = append(compound, &rtcp.Goodbye{Sources: []uint32{s.ssrcOut}})
	}
	s.mu.Unlock()

	raw, err := rtcp.Marshal(compound)
	if err != nil {
		return err
	}
	if s.cfg.SRTPTx != nil {
		raw, err = s.cfg.SRTPTx.EncryptRTCP(nil, raw, nil)
		if err != nil {
			return err
		}
	}
	_, err = s.control.Write(raw)
	if err != nil && transientSendError(err) {
		err = nil
	}
	return err
}

// buildReceptionReportLocked derives the loss fraction and cumulative
// counts for the interval since the previous report.
func (s *Session) buildReceptionReportLocked(now time.Time) rtcp.ReceptionReport {
	extended := s.seqCycles<<16 | uint32(s.expectedSeq)
	expectedInterval := extended - s.reportExpectedPrior
	lostInterval := s.packetsLost - s.reportLostPrior
	var fraction uint8
	if expectedInterval > 0 {
		f := lostInterval * 256 / uint64(expectedInterval)
		if f > 255 {
			f = 255
		}
		fraction = uint8(f)
	}
	s.reportExpectedPrior = extended
	s.reportLostPrior = s.packetsLost

	cumulative := s.packetsLost
	if cumulative > 0xFFFFFF {
		cumulative = 0xFFFFFF
	}
	var lastSR uint32
	var delay uint32
	if s.lastSRNTP != 0 {
		lastSR = uint32(s.lastSRNTP >> 16)
		delay = uint32(now.Sub(s.lastSRArrival).Seconds() * 65536)
	}
	return rtcp.ReceptionReport{
		SSRC:               s.ssrcIn,
		FractionLost:       fraction,
		TotalLost:          uint32(cumulative),
		LastSequenceNumber: extended,
		Jitter:             s.jitterAccum >> 4,
		LastSenderReport:   lastSR,
		Delay:              delay,
	}
}

// controlLoop reads and dispatches incoming RTCP compounds. A malformed
// compound is dropped and the session stays alive; only a hard read error
// terminates the loop.
func (s *Session) controlLoop() {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := s.control.Read(buf)
		if err != nil {
			if transientSendError(err) {
				continue
			}
			return
		}
		raw := buf[:n]
		if s.cfg.SRTPRx != nil {
			raw, err = s.cfg.SRTPRx.DecryptRTCP(nil, raw, nil)
			if err != nil {
				s.log.Debug().Err(err).Msg("srtcp unprotect failed, compound dropped")
				continue
			}
		}
		packets, err := rtcp.Unmarshal(raw)
		if err != nil {
			// Includes truncated sub-packets and SDES items whose length
			// overruns the declared payload; parsing stops at the fault
			// and the whole compound is discarded.
			s.log.Debug().Err(err).Msg("malformed control compound dropped")
			continue
		}
		if s.processControl(packets) == AbortTransport {
			s.data.Close()
			s.control.Close()
			return
		}
	}
}

func (s *Session) processControl(packets []rtcp.Packet) ReceiveAction {
	action := ProcessPacket
	for _, p := range packets {
		switch pkt := p.(type) {
		case *rtcp.SenderReport:
			s.mu.Lock()
			s.lastSRNTP = pkt.NTPTime
			s.lastSRArrival = time.Now()
			s.mu.Unlock()
			if s.cfg.Handlers.OnSenderReport != nil {
				s.cfg.Handlers.OnSenderReport(SenderInfo{
					SSRC:        pkt.SSRC,
					NTPTime:     pkt.NTPTime,
					RTPTime:     pkt.RTPTime,
					PacketCount: pkt.PacketCount,
					OctetCount:  pkt.OctetCount,
				}, receptionInfos(pkt.Reports))
			}
		case *rtcp.ReceiverReport:
			if s.cfg.Handlers.OnReceiverReport != nil {
				s.cfg.Handlers.OnReceiverReport(receptionInfos(pkt.Reports))
			}
		case *rtcp.SourceDescription:
			for _, chunk := range pkt.Chunks {
				for _, item := range chunk.Items {
					s.log.Debug().
						Uint32("ssrc", chunk.Source).
						Str("item", item.Type.String()).
						Str("text", item.Text).
						Msg("source description")
				}
			}
		case *rtcp.Goodbye:
			reason := pkt.Reason
			for _, src := range pkt.Sources {
				if s.cfg.Handlers.OnBye != nil {
					s.cfg.Handlers.OnBye(src, reason)
				}
			}
			if s.cfg.CloseOnBye {
				action = AbortTransport
			} else {
				s.log.Info().Str("reason", reason).Msg("peer sent BYE, session stays up")
			}
		case *rtcp.ApplicationDefined:
			if s.cfg.Handlers.OnApplication != nil {
				s.cfg.Handlers.OnApplication(pkt.Name, pkt.SubType, pkt.SSRC, pkt.Data)
			}
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			if s.cfg.Handlers.OnIntraFrameRequest != nil {
				s.cfg.Handlers.OnIntraFrameRequest()
			}
		}
	}
	return action
}

func receptionInfos(reports []rtcp.ReceptionReport) []ReceptionInfo {
	out := make([]ReceptionInfo, 0, len(reports))
	for _, r := range reports {
		out = append(out, ReceptionInfo{
			SSRC:               r.SSRC,
			FractionLost:       r.FractionLost,
			TotalLost:          r.TotalLost,
			LastSequenceNumber: r.LastSequenceNumber,
			Jitter:             r.Jitter,
		})
	}
	return out
}
