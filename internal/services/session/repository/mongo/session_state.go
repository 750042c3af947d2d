package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ytkara/internal/domain"
)

const (
	sessionCollection = "session_state"
	sessionDocID      = "current"
)

type queueItemDoc struct {
	ID        int64   `bson:"id"`
	VideoID   string  `bson:"videoId"`
	Title     string  `bson:"title"`
	Thumbnail string  `bson:"thumbnail,omitempty"`
	Duration  float64 `bson:"duration"`
	AddedBy   string  `bson:"addedBy,omitempty"`
	AddedAt   int64   `bson:"addedAt"`
}

type historyItemDoc struct {
	Item     queueItemDoc `bson:",inline"`
	PlayedAt int64        `bson:"playedAt"`
	Skipped  bool         `bson:"skipped"`
}

type sessionDoc struct {
	ID          string           `bson:"_id"`
	Queue       []queueItemDoc   `bson:"queue"`
	Current     *queueItemDoc    `bson:"currentSong,omitempty"`
	History     []historyItemDoc `bson:"history"`
	CurrentTime float64          `bson:"currentTime"`
	NextID      int64            `bson:"nextId"`
	SavedAt     int64            `bson:"savedAt"`
}

// SessionStateRepository keeps the single karaoke session in one document.
type SessionStateRepository struct {
	collection *mongo.Collection
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	return mongo.Connect(ctx, opts...)
}

func NewSessionStateRepository(client *mongo.Client, dbName string) *SessionStateRepository {
	return &SessionStateRepository{collection: client.Database(dbName).Collection(sessionCollection)}
}

func (r *SessionStateRepository) Load(ctx context.Context) (domain.SessionState, error) {
	var doc sessionDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": sessionDocID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.SessionState{}, domain.ErrNotFound
		}
		return domain.SessionState{}, err
	}
	return docToSessionState(doc), nil
}

func (r *SessionStateRepository) Save(ctx context.Context, state domain.SessionState) error {
	doc := sessionStateToDoc(state)
	_, err := r.collection.ReplaceOne(
		ctx,
		bson.M{"_id": sessionDocID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func sessionStateToDoc(state domain.SessionState) sessionDoc {
	doc := sessionDoc{
		ID:          sessionDocID,
		Queue:       make([]queueItemDoc, 0, len(state.Queue)),
		History:     make([]historyItemDoc, 0, len(state.History)),
		CurrentTime: state.CurrentTime,
		NextID:      state.NextID,
		SavedAt:     state.SavedAt.UnixMilli(),
	}
	for _, item := range state.Queue {
		doc.Queue = append(doc.Queue, queueItemToDoc(item))
	}
	if state.Current != nil {
		cur := queueItemToDoc(*state.Current)
		doc.Current = &cur
	}
	for _, h := range state.History {
		doc.History = append(doc.History, historyItemDoc{
			Item:     queueItemToDoc(h.QueueItem),
			PlayedAt: h.PlayedAt.UnixMilli(),
			Skipped:  h.Skipped,
		})
	}
	return doc
}

func docToSessionState(doc sessionDoc) domain.SessionState {
	state := domain.SessionState{
		Queue:       make([]domain.QueueItem, 0, len(doc.Queue)),
		History:     make([]domain.HistoryItem, 0, len(doc.History)),
		CurrentTime: doc.CurrentTime,
		NextID:      doc.NextID,
		SavedAt:     time.UnixMilli(doc.SavedAt).UTC(),
	}
	for _, item := range doc.Queue {
		state.Queue = append(state.Queue, docToQueueItem(item))
	}
	if doc.Current != nil {
		cur := docToQueueItem(*doc.Current)
		state.Current = &cur
	}
	for _, h := range doc.History {
		state.History = append(state.History, domain.HistoryItem{
			QueueItem: docToQueueItem(h.Item),
			PlayedAt:  time.UnixMilli(h.PlayedAt).UTC(),
			Skipped:   h.Skipped,
		})
	}
	return state
}

func queueItemToDoc(item domain.QueueItem) queueItemDoc {
	return queueItemDoc{
		ID:        item.ID,
		VideoID:   item.VideoID,
		Title:     item.Title,
		Thumbnail: item.Thumbnail,
		Duration:  item.Duration,
		AddedBy:   item.AddedBy,
		AddedAt:   item.AddedAt.UnixMilli(),
	}
}

func docToQueueItem(doc queueItemDoc) domain.QueueItem {
	return domain.QueueItem{
		ID:        doc.ID,
		VideoID:   doc.VideoID,
		Title:     doc.Title,
		Thumbnail: doc.Thumbnail,
		Duration:  doc.Duration,
		AddedBy:   doc.AddedBy,
		AddedAt:   time.UnixMilli(doc.AddedAt).UTC(),
	}
}
