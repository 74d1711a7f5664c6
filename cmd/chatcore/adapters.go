package main

import (
	"context"

	"chatcore/internal/models"
	"chatcore/internal/privacy"
	"chatcore/internal/room"
	"chatcore/pkg/transport"

	"github.com/sirupsen/logrus"
)

// dispatchProxy forwards feed frames to the room manager. It exists because
// the feed is constructed before the manager.
type dispatchProxy struct {
	manager *room.Manager
}

func (p *dispatchProxy) DispatchEvent(ctx context.Context, ev models.LifecycleEvent) error {
	return p.manager.DispatchEvent(ctx, ev)
}

func (p *dispatchProxy) DispatchSignal(sig models.CallSignal) error {
	return p.manager.DispatchSignal(sig)
}

func (p *dispatchProxy) DispatchHistoryDone(ctx context.Context, roomID string) {
	p.manager.DispatchHistoryDone(ctx, roomID)
}

func (p *dispatchProxy) DispatchHistoryCount(roomID string, count int) {
	p.manager.DispatchHistoryCount(roomID, count)
}

// feedSignaler puts call keep-alives on the wire.
type feedSignaler struct {
	feed   *transport.Feed
	logger *logrus.Logger
}

func (s *feedSignaler) SignalActive(sessionID string) {
	if err := s.feed.SendCallActive(context.Background(), sessionID); err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Debug("Call keep-alive not sent")
	}
}

// logListener surfaces room events in the daemon log.
type logListener struct {
	logger *logrus.Logger
}

func (l *logListener) OnNewMessage(roomID string, rec *models.MessageRecord) {
	l.logger.WithFields(logrus.Fields{
		"room_id":    privacy.MaskRoomID(roomID),
		"message_id": privacy.MaskMessageID(rec.MessageID),
		"sender_id":  privacy.MaskUserID(rec.SenderID),
	}).Debug("New message")
}

func (l *logListener) OnHistoryFinished(roomID string) {
	l.logger.WithField("room_id", roomID).Debug("History page merged")
}

func (l *logListener) OnUnreadChanged(roomID string, count int) {
	l.logger.WithFields(logrus.Fields{
		"room_id": roomID,
		"unread":  count,
	}).Debug("Unread count changed")
}

func (l *logListener) OnLatestChanged(roomID string, rec *models.MessageRecord) {
	if rec == nil {
		return
	}
	l.logger.WithFields(logrus.Fields{
		"room_id":    privacy.MaskRoomID(roomID),
		"message_id": privacy.MaskMessageID(rec.MessageID),
	}).Debug("Latest message changed")
}

func (l *logListener) OnDecryptFailure(roomID, messageID string, err error) {
	l.logger.WithError(err).WithFields(logrus.Fields{
		"room_id":    roomID,
		"message_id": messageID,
	}).Warn("Message decryption failed")
}

func (l *logListener) OnOrderViolation(roomID, messageID string, err error) {
	l.logger.WithError(err).WithFields(logrus.Fields{
		"room_id":    roomID,
		"message_id": messageID,
	}).Warn("Message order verification failed")
}
