package server

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"msgrelay/protocol"
	"msgrelay/relay"
)

// handlePacket dispatches one inbound packet. It reports true when the
// connection should be closed.
func (s *Server) handlePacket(st *connState, pkt *protocol.Packet, log zerolog.Logger) bool {
	ctx := context.Background()

	switch pkt.Type {
	case protocol.TypePing:
		s.handlePing(ctx, st, log)
	case protocol.TypeHello:
		s.handleHello(ctx, st, pkt, log)
	case protocol.TypeMessage:
		s.handleMessage(ctx, st, pkt, log)
	case protocol.TypeDelivered:
		s.handleDelivered(ctx, st, pkt, log)
	case protocol.TypeBye:
		st.ep.write(protocol.FormatPacket(protocol.TypeBye))
		return true
	default:
		s.sendError(st.ep, "", "Unknown packet type")
	}
	return false
}

func (s *Server) handlePing(ctx context.Context, st *connState, log zerolog.Logger) {
	if st.address != "" {
		if err := s.engine.Heartbeat(ctx, st.address, st.ref); err != nil {
			log.Error().Err(err).Str("address", st.address).Msg("heartbeat failed")
		}
	}
	st.ep.write(protocol.FormatPacket(protocol.TypePong))
}

// handleHello identifies the connection: hello|address.
func (s *Server) handleHello(ctx context.Context, st *connState, pkt *protocol.Packet, log zerolog.Logger) {
	address := pkt.Field(0)
	if address == "" {
		s.sendError(st.ep, protocol.TypeHello, "Address required")
		return
	}
	if st.address != "" && st.address != address {
		s.sendError(st.ep, protocol.TypeHello, "Already identified")
		return
	}

	st.address = address
	s.registry.Bind(st.ref, address)
	if err := s.engine.Connect(ctx, address, st.ref); err != nil {
		log.Error().Err(err).Str("address", address).Msg("connect failed")
		s.sendError(st.ep, protocol.TypeHello, "Internal error")
		return
	}
	log.Info().Str("address", address).Msg("client identified")
}

// handleMessage: msg|id|chatId|sender|receiver|timestamp|content.
func (s *Server) handleMessage(ctx context.Context, st *connState, pkt *protocol.Packet, log zerolog.Logger) {
	if st.address == "" {
		s.sendError(st.ep, protocol.TypeMessage, "Not identified")
		return
	}

	msg, err := protocol.ParseMessage(pkt)
	if err != nil {
		s.sendError(st.ep, protocol.TypeMessage, "Invalid message format")
		return
	}

	if err := s.engine.Send(ctx, msg); err != nil {
		if errors.Is(err, relay.ErrMalformedPayload) {
			s.sendError(st.ep, protocol.TypeMessage, "Id, sender and receiver required")
			return
		}
		log.Error().Err(err).Str("message_id", msg.ID).Msg("send failed")
		s.sendError(st.ep, protocol.TypeMessage, "Internal error")
	}
}

// handleDelivered: dlvd|id|sender.
func (s *Server) handleDelivered(ctx context.Context, st *connState, pkt *protocol.Packet, log zerolog.Logger) {
	if st.address == "" {
		s.sendError(st.ep, protocol.TypeDelivered, "Not identified")
		return
	}

	id, sender, err := protocol.ParseDelivered(pkt)
	if err != nil {
		s.sendError(st.ep, protocol.TypeDelivered, "Invalid delivered format")
		return
	}

	if err := s.engine.AcknowledgeDelivery(ctx, id, sender); err != nil {
		if errors.Is(err, relay.ErrMalformedPayload) {
			s.sendError(st.ep, protocol.TypeDelivered, "Id and sender required")
			return
		}
		log.Error().Err(err).Str("message_id", id).Msg("acknowledge failed")
		s.sendError(st.ep, protocol.TypeDelivered, "Internal error")
	}
}
