package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

func (s *Store) Record(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO link_events(at_ms, kind, channel, peer, msg_id, detail, payload)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, timeToUnixMillis(e.At), string(e.Kind), int(e.Channel), int(e.Peer), int(e.MsgID), e.Detail, e.Payload)
	if err != nil {
		return fmt.Errorf("insert link event: %w", err)
	}

	return nil
}

func (s *Store) RecordStats(ctx context.Context, sample StatsSample) error {
	st := sample.Stats
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO link_stats(at_ms, tx_frames, rx_frames, refused, tx_timeouts,
			dropped_bytes, stale, gaps, echoes, foreign_frames)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, timeToUnixMillis(sample.At), int64(st.TxFrames), int64(st.RxFrames), int64(st.Refused), int64(st.TxTimeouts),
		int64(st.DroppedBytes), int64(st.Stale), int64(st.Gaps), int64(st.Echoes), int64(st.Foreign))
	if err != nil {
		return fmt.Errorf("insert link stats: %w", err)
	}

	return nil
}

// Counts returns how many events of each kind were recorded for peer.
func (s *Store) Counts(ctx context.Context, peer wire.Device) (map[Kind]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM link_events WHERE peer = ? GROUP BY kind
	`, int(peer))
	if err != nil {
		return nil, fmt.Errorf("count link events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Kind]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan link event count: %w", err)
		}
		counts[Kind(kind)] = n
	}

	return counts, rows.Err()
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT at_ms, kind, channel, peer, msg_id, detail, payload
		FROM link_events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list link events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e                  Event
			atMs               int64
			kind               string
			channel, peer, mid int
		)
		if err := rows.Scan(&atMs, &kind, &channel, &peer, &mid, &e.Detail, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan link event: %w", err)
		}
		e.At = unixMillisToTime(atMs)
		e.Kind = Kind(kind)
		e.Channel = wire.Channel(channel)
		e.Peer = wire.Device(peer)
		e.MsgID = uint8(mid)
		events = append(events, e)
	}

	return events, rows.Err()
}

// LatestStats returns the newest stats sample, if any.
func (s *Store) LatestStats(ctx context.Context) (StatsSample, bool, error) {
	var (
		sample StatsSample
		atMs   int64
		st     [9]int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT at_ms, tx_frames, rx_frames, refused, tx_timeouts,
			dropped_bytes, stale, gaps, echoes, foreign_frames
		FROM link_stats ORDER BY id DESC LIMIT 1
	`).Scan(&atMs, &st[0], &st[1], &st[2], &st[3], &st[4], &st[5], &st[6], &st[7], &st[8])
	if errors.Is(err, sql.ErrNoRows) {
		return StatsSample{}, false, nil
	}
	if err != nil {
		return StatsSample{}, false, fmt.Errorf("read link stats: %w", err)
	}
	sample.At = unixMillisToTime(atMs)
	sample.Stats.TxFrames = uint64(st[0])
	sample.Stats.RxFrames = uint64(st[1])
	sample.Stats.Refused = uint64(st[2])
	sample.Stats.TxTimeouts = uint64(st[3])
	sample.Stats.DroppedBytes = uint64(st[4])
	sample.Stats.Stale = uint64(st[5])
	sample.Stats.Gaps = uint64(st[6])
	sample.Stats.Echoes = uint64(st[7])
	sample.Stats.Foreign = uint64(st[8])

	return sample, true, nil
}
