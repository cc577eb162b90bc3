package snapdb

import "sync"

var indexRowsPool = &sync.Pool{
	New: func() any {
		return make(indexRows, 0, 64)
	},
}

func releaseIndexRows(rows indexRows) {
	clear(rows)
	indexRowsPool.Put(rows[:0])
}
