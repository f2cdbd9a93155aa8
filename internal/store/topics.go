package store

import (
	"database/sql"
)

// TopicRecord mirrors the topics table: user topics this node subscribes to.
type TopicRecord struct {
	Name         string
	SubscribedAt string
}

// TopicRepo provides typed access to topics and the thread↔topic relation.
type TopicRepo struct {
	tx *sql.Tx
}

// Subscribe records a user topic subscription.
func (r TopicRepo) Subscribe(name, at string) error {
	_, err := r.tx.Exec(`INSERT OR IGNORE INTO topics (name, subscribed_at) VALUES (?, ?)`, name, at)
	return mapError(err, "subscribe topic")
}

// Unsubscribe removes a user topic subscription.
func (r TopicRepo) Unsubscribe(name string) error {
	_, err := r.tx.Exec(`DELETE FROM topics WHERE name = ?`, name)
	return mapError(err, "unsubscribe topic")
}

// List returns subscribed user topics.
func (r TopicRepo) List() ([]*TopicRecord, error) {
	rows, err := r.tx.Query(`SELECT name, subscribed_at FROM topics ORDER BY name`)
	if err != nil {
		return nil, mapError(err, "list topics")
	}
	defer rows.Close()
	var topics []*TopicRecord
	for rows.Next() {
		var t TopicRecord
		if err := rows.Scan(&t.Name, &t.SubscribedAt); err != nil {
			return nil, mapError(err, "scan topic")
		}
		topics = append(topics, &t)
	}
	return topics, mapError(rows.Err(), "list topics")
}

// LinkThread tags a thread with a user topic.
func (r TopicRepo) LinkThread(threadID, topicName string) error {
	_, err := r.tx.Exec(`INSERT OR IGNORE INTO thread_topics (thread_id, topic_name) VALUES (?, ?)`,
		threadID, topicName)
	return mapError(err, "link thread topic")
}

// UnlinkThread removes a thread↔topic tag.
func (r TopicRepo) UnlinkThread(threadID, topicName string) error {
	_, err := r.tx.Exec(`DELETE FROM thread_topics WHERE thread_id = ? AND topic_name = ?`,
		threadID, topicName)
	return mapError(err, "unlink thread topic")
}

// TopicsForThread returns the topics a thread is tagged with.
func (r TopicRepo) TopicsForThread(threadID string) ([]string, error) {
	rows, err := r.tx.Query(`SELECT topic_name FROM thread_topics WHERE thread_id = ? ORDER BY topic_name`, threadID)
	if err != nil {
		return nil, mapError(err, "thread topics")
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, mapError(err, "scan thread topic")
		}
		names = append(names, name)
	}
	return names, mapError(rows.Err(), "thread topics")
}

// SettingsRepo provides typed access to the settings key-value table.
type SettingsRepo struct {
	tx *sql.Tx
}

// Set stores a setting.
func (r SettingsRepo) Set(key, value string) error {
	_, err := r.tx.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return mapError(err, "set setting")
}

// Get reads a setting. Missing keys report NotFound.
func (r SettingsRepo) Get(key string) (string, error) {
	var value string
	err := r.tx.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", mapError(err, "get setting")
	}
	return value, nil
}
