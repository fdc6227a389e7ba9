package storage

// replaceInterrupter is implemented by every backend so the contract suite
// can fail a replace after the authors are written and before any post.
type replaceInterrupter interface {
	interruptReplace(fn func() error)
}

func (s *FileStore) interruptReplace(fn func() error) { s.afterAuthors = fn }
func (s *PostgresStore) interruptReplace(fn func() error) { s.afterAuthors = fn }
func (m *MongoStore) interruptReplace(fn func() error) { m.afterAuthors = fn }
func (d *DynamoDBStore) interruptReplace(fn func() error) { d.afterAuthors = fn }
func (r *RedisStore) interruptReplace(fn func() error) { r.afterAuthors = fn }
