package main

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var embeddedSchema embed.FS

var ErrNotFound = errors.New("not found")

const (
	VoteLike = "like"
	VotePass = "pass"

	RoomActive = "active"
	RoomClosed = "closed"
)

// Restaurant is the denormalized display payload returned by the search
// service and carried on votes, matches, and rankings.
type Restaurant struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Rating    float64 `json:"rating"`
	Image     string  `json:"image"`
	Cuisine   string  `json:"cuisine"`
	Distance  string  `json:"distance"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	PlaceID   string  `json:"placeId,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type Room struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	HostID      string    `json:"host_id"`
	LocationLat *float64  `json:"location_lat"`
	LocationLng *float64  `json:"location_lng"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type Participant struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"room_id"`
	UserSessionID string    `json:"user_session_id"`
	Nickname      string    `json:"nickname"`
	AvatarEmoji   string    `json:"avatar_emoji"`
	IsActive      bool      `json:"is_active"`
	JoinedAt      time.Time `json:"joined_at"`
}

type Vote struct {
	ID               string    `json:"id"`
	RoomID           string    `json:"room_id"`
	ParticipantID    string    `json:"participant_id"`
	RestaurantID     string    `json:"restaurant_id"`
	RestaurantName   string    `json:"restaurant_name"`
	RestaurantImage  string    `json:"restaurant_image"`
	RestaurantRating float64   `json:"restaurant_rating"`
	VoteType         string    `json:"vote_type"`
	VotedAt          time.Time `json:"voted_at"`
}

type Match struct {
	ID             string      `json:"id"`
	RoomID         string      `json:"room_id"`
	RestaurantID   string      `json:"restaurant_id"`
	RestaurantName string      `json:"restaurant_name"`
	RestaurantData *Restaurant `json:"restaurant_data"`
	MatchCount     int         `json:"match_count"`
	MatchedAt      time.Time   `json:"matched_at"`
}

type RankedRestaurant struct {
	RestaurantID    string    `json:"restaurant_id"`
	RestaurantName  string    `json:"restaurant_name"`
	RestaurantImage string    `json:"restaurant_image"`
	TotalLikes      int64     `json:"total_likes"`
	TotalMatches    int64     `json:"total_matches"`
	TotalViews      int64     `json:"total_views"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenStore opens (or creates) the sqlite database at path and applies
// the embedded schema.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := NewStore(db)
	if err := s.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) InitSchema() error {
	b, err := embeddedSchema.ReadFile("schema.sql")
	if err != nil {
		return err
	}

	schema := strings.TrimSpace(string(b))
	_, err = s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---------- Rooms ----------

func (s *Store) CreateRoom(code, hostID string, lat, lng *float64) (Room, error) {
	room := Room{
		ID:          uuid.NewString(),
		Code:        strings.ToUpper(code),
		HostID:      hostID,
		LocationLat: lat,
		LocationLng: lng,
		Status:      RoomActive,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO rooms(id, code, host_id, location_lat, location_lng, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		room.ID, room.Code, room.HostID, room.LocationLat, room.LocationLng, room.Status, room.CreatedAt,
	)
	if err != nil {
		return Room{}, err
	}
	return room, nil
}

// RoomByCode resolves a join code to an active room. Codes are
// case-insensitive on entry.
func (s *Store) RoomByCode(code string) (Room, error) {
	row := s.db.QueryRow(
		`SELECT id, code, host_id, location_lat, location_lng, status, created_at FROM rooms WHERE code = ? AND status = ?`,
		strings.ToUpper(strings.TrimSpace(code)), RoomActive,
	)
	return scanRoom(row)
}

func (s *Store) RoomByID(id string) (Room, error) {
	row := s.db.QueryRow(
		`SELECT id, code, host_id, location_lat, location_lng, status, created_at FROM rooms WHERE id = ?`,
		id,
	)
	return scanRoom(row)
}

func scanRoom(row *sql.Row) (Room, error) {
	var r Room
	err := row.Scan(&r.ID, &r.Code, &r.HostID, &r.LocationLat, &r.LocationLng, &r.Status, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return r, nil
}

// CodeInUse reports whether an active room already holds the given code.
func (s *Store) CodeInUse(code string) (bool, error) {
	var cnt int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM rooms WHERE code = ? AND status = ?`, strings.ToUpper(code), RoomActive).Scan(&cnt)
	if err != nil {
		return false, err
	}
	return cnt > 0, nil
}

// CloseRoom marks a room closed. Rooms are never hard-deleted.
func (s *Store) CloseRoom(id string) error {
	_, err := s.db.Exec(`UPDATE rooms SET status = ? WHERE id = ?`, RoomClosed, id)
	return err
}

// ---------- Participants ----------

// JoinRoom registers a session as an active participant of a room. If the
// session already has a participant row in the room, that row is
// reactivated and returned unchanged, so retries and rejoins never
// duplicate a participant.
func (s *Store) JoinRoom(roomID, sessionID, nickname, avatar string) (Participant, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Participant{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT id, room_id, user_session_id, nickname, avatar_emoji, is_active, joined_at FROM room_participants WHERE room_id = ? AND user_session_id = ?`,
		roomID, sessionID,
	)

	var p Participant
	err = row.Scan(&p.ID, &p.RoomID, &p.UserSessionID, &p.Nickname, &p.AvatarEmoji, &p.IsActive, &p.JoinedAt)
	switch {
	case err == sql.ErrNoRows:
		p = Participant{
			ID:            uuid.NewString(),
			RoomID:        roomID,
			UserSessionID: sessionID,
			Nickname:      nickname,
			AvatarEmoji:   avatar,
			IsActive:      true,
			JoinedAt:      time.Now().UTC(),
		}
		_, err = tx.Exec(
			`INSERT INTO room_participants(id, room_id, user_session_id, nickname, avatar_emoji, is_active, joined_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.RoomID, p.UserSessionID, p.Nickname, p.AvatarEmoji, p.IsActive, p.JoinedAt,
		)
		if err != nil {
			return Participant{}, err
		}
	case err != nil:
		return Participant{}, err
	default:
		p.IsActive = true
		if _, err := tx.Exec(`UPDATE room_participants SET is_active = 1 WHERE id = ?`, p.ID); err != nil {
			return Participant{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Participant{}, err
	}
	return p, nil
}

// SetParticipantActive flips the active flag. Leaving never deletes the
// row; votes stay attributable.
func (s *Store) SetParticipantActive(id string, active bool) error {
	res, err := s.db.Exec(`UPDATE room_participants SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Participants(roomID string) ([]Participant, error) {
	return s.participants(roomID, false)
}

// ActiveParticipants returns the population counted toward consensus.
func (s *Store) ActiveParticipants(roomID string) ([]Participant, error) {
	return s.participants(roomID, true)
}

func (s *Store) participants(roomID string, activeOnly bool) ([]Participant, error) {
	q := `SELECT id, room_id, user_session_id, nickname, avatar_emoji, is_active, joined_at FROM room_participants WHERE room_id = ?`
	if activeOnly {
		q += ` AND is_active = 1`
	}
	q += ` ORDER BY joined_at, id`

	rows, err := s.db.Query(q, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.RoomID, &p.UserSessionID, &p.Nickname, &p.AvatarEmoji, &p.IsActive, &p.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---------- Votes ----------

// RecordVote appends a vote event to the room's ledger. The ledger is
// append-only: repeat votes for the same (participant, restaurant) pair
// are stored as-is and deduplicated at evaluation time.
func (s *Store) RecordVote(roomID string, participantID string, r Restaurant, voteType string) (Vote, error) {
	v := Vote{
		ID:               uuid.NewString(),
		RoomID:           roomID,
		ParticipantID:    participantID,
		RestaurantID:     r.ID,
		RestaurantName:   r.Name,
		RestaurantImage:  r.Image,
		RestaurantRating: r.Rating,
		VoteType:         voteType,
		VotedAt:          time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO votes(id, room_id, participant_id, restaurant_id, restaurant_name, restaurant_image, restaurant_rating, vote_type, voted_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.RoomID, v.ParticipantID, v.RestaurantID, v.RestaurantName, v.RestaurantImage, v.RestaurantRating, v.VoteType, v.VotedAt,
	)
	if err != nil {
		return Vote{}, err
	}
	return v, nil
}

// VotesForRoom returns the room's full ledger in insertion order.
func (s *Store) VotesForRoom(roomID string) ([]Vote, error) {
	rows, err := s.db.Query(
		`SELECT id, room_id, participant_id, restaurant_id, restaurant_name, restaurant_image, restaurant_rating, vote_type, voted_at FROM votes WHERE room_id = ? ORDER BY rowid`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.ID, &v.RoomID, &v.ParticipantID, &v.RestaurantID, &v.RestaurantName, &v.RestaurantImage, &v.RestaurantRating, &v.VoteType, &v.VotedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// VotesFor returns the ledger entries for one (room, restaurant)
// pairing, in insertion order.
func (s *Store) VotesFor(roomID, restaurantID string) ([]Vote, error) {
	rows, err := s.db.Query(
		`SELECT id, room_id, participant_id, restaurant_id, restaurant_name, restaurant_image, restaurant_rating, vote_type, voted_at FROM votes WHERE room_id = ? AND restaurant_id = ? ORDER BY rowid`,
		roomID, restaurantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.ID, &v.RoomID, &v.ParticipantID, &v.RestaurantID, &v.RestaurantName, &v.RestaurantImage, &v.RestaurantRating, &v.VoteType, &v.VotedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ---------- Matches ----------

// CreateMatch inserts a match row for (room, restaurant) if none exists.
// The UNIQUE(room_id, restaurant_id) index makes match creation
// exactly-once no matter how many evaluations conclude consensus
// concurrently; only the caller that actually inserted sees created=true.
func (s *Store) CreateMatch(roomID string, r Restaurant, matchCount int) (Match, bool, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return Match{}, false, err
	}

	m := Match{
		ID:             uuid.NewString(),
		RoomID:         roomID,
		RestaurantID:   r.ID,
		RestaurantName: r.Name,
		RestaurantData: &r,
		MatchCount:     matchCount,
		MatchedAt:      time.Now().UTC(),
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO matches(id, room_id, restaurant_id, restaurant_name, restaurant_data, match_count, matched_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RoomID, m.RestaurantID, m.RestaurantName, string(data), m.MatchCount, m.MatchedAt,
	)
	if err != nil {
		return Match{}, false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Match{}, false, err
	}
	if n == 0 {
		existing, err := s.matchFor(roomID, r.ID)
		return existing, false, err
	}
	return m, true, nil
}

func (s *Store) matchFor(roomID, restaurantID string) (Match, error) {
	row := s.db.QueryRow(
		`SELECT id, room_id, restaurant_id, restaurant_name, restaurant_data, match_count, matched_at FROM matches WHERE room_id = ? AND restaurant_id = ?`,
		roomID, restaurantID,
	)

	m, err := scanMatch(row.Scan)
	if err == sql.ErrNoRows {
		return Match{}, ErrNotFound
	}
	return m, err
}

func (s *Store) MatchesForRoom(roomID string) ([]Match, error) {
	rows, err := s.db.Query(
		`SELECT id, room_id, restaurant_id, restaurant_name, restaurant_data, match_count, matched_at FROM matches WHERE room_id = ? ORDER BY matched_at, id`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		m, err := scanMatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMatch(scan func(...any) error) (Match, error) {
	var (
		m    Match
		data sql.NullString
	)
	if err := scan(&m.ID, &m.RoomID, &m.RestaurantID, &m.RestaurantName, &data, &m.MatchCount, &m.MatchedAt); err != nil {
		return Match{}, err
	}
	if data.Valid && data.String != "" {
		var r Restaurant
		if err := json.Unmarshal([]byte(data.String), &r); err == nil {
			m.RestaurantData = &r
		}
	}
	return m, nil
}

// ---------- Rankings ----------

// RecordLike bumps the cross-room like counter for a restaurant,
// creating the ranking row on first sight.
func (s *Store) RecordLike(r Restaurant) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO restaurant_rankings(restaurant_id, restaurant_name, restaurant_image, restaurant_data, total_likes, total_views, updated_at)
		 VALUES (?, ?, ?, ?, 1, 1, ?)
		 ON CONFLICT(restaurant_id) DO UPDATE SET total_likes = total_likes + 1, updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Image, string(data), time.Now().UTC(),
	)
	return err
}

// RecordMatchRanking bumps the cross-room match counter. Unlike likes, a
// match can in principle land on a restaurant the rankings have never
// seen (the liking happened before rankings existed, or the row was
// pruned); the policy here is upsert, so matches are never dropped.
func (s *Store) RecordMatchRanking(r Restaurant) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO restaurant_rankings(restaurant_id, restaurant_name, restaurant_image, restaurant_data, total_matches, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?)
		 ON CONFLICT(restaurant_id) DO UPDATE SET total_matches = total_matches + 1, updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Image, string(data), time.Now().UTC(),
	)
	return err
}

// RecordView bumps the view counter for each restaurant surfaced by a
// search, creating rows as needed.
func (s *Store) RecordView(r Restaurant) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO restaurant_rankings(restaurant_id, restaurant_name, restaurant_image, restaurant_data, total_views, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?)
		 ON CONFLICT(restaurant_id) DO UPDATE SET total_views = total_views + 1, updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Image, string(data), time.Now().UTC(),
	)
	return err
}

const (
	FilterMatches  = "matches"
	FilterLikes    = "likes"
	FilterTrending = "trending"
)

// TopRankings reads the leaderboard under one of the three orderings.
// Ties fall back to restaurant id.
func (s *Store) TopRankings(filter string, limit int) ([]RankedRestaurant, error) {
	if limit <= 0 {
		limit = 20
	}

	var order string
	switch filter {
	case FilterLikes:
		order = `total_likes DESC`
	case FilterTrending:
		order = `updated_at DESC`
	case FilterMatches, "":
		order = `total_matches DESC`
	default:
		order = `total_matches DESC`
	}

	rows, err := s.db.Query(
		`SELECT restaurant_id, restaurant_name, restaurant_image, total_likes, total_matches, total_views, updated_at FROM restaurant_rankings ORDER BY `+order+`, restaurant_id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RankedRestaurant
	for rows.Next() {
		var r RankedRestaurant
		if err := rows.Scan(&r.RestaurantID, &r.RestaurantName, &r.RestaurantImage, &r.TotalLikes, &r.TotalMatches, &r.TotalViews, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
