package group

import (
	"sync"

	"github.com/ngxial02/srt/packet"
)

// MessageStorage is a bounded free-list of fixed-size payload buffers backing
// the sender's retransmission entries. Get never fails; once the cache is
// drained it falls back to plain allocation. Put beyond the cap lets the
// buffer go to the garbage collector.
//
// The free list is unordered, so buffer identity is not stable across reuse.
type MessageStorage struct {
	mutex     sync.Mutex
	blockSize int
	maxCached int
	freelist  [][]byte
}

// NewMessageStorage creates a storage handing out buffers of blockSize
// bytes, caching at most maxCached returned buffers.
func NewMessageStorage(blockSize, maxCached int) *MessageStorage {
	return &MessageStorage{
		blockSize: blockSize,
		maxCached: maxCached,
	}
}

// BlockSize returns the fixed size of the buffers handed out.
func (ms *MessageStorage) BlockSize() int {
	return ms.blockSize
}

// Get returns a writable buffer of exactly blockSize bytes.
func (ms *MessageStorage) Get() []byte {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	if l := len(ms.freelist); l > 0 {
		block := ms.freelist[l-1]
		ms.freelist = ms.freelist[:l-1]
		return block
	}

	return make([]byte, ms.blockSize)
}

// Put returns a buffer to the free list, or drops it when the cache is full.
func (ms *MessageStorage) Put(block []byte) {
	if cap(block) < ms.blockSize {
		return
	}

	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	if len(ms.freelist) >= ms.maxCached {
		return
	}

	ms.freelist = append(ms.freelist, block[:ms.blockSize])
}

// Cached returns the current number of cached buffers.
func (ms *MessageStorage) Cached() int {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	return len(ms.freelist)
}

// defaultStorage backs the retransmission buffers of all groups in the
// process. Tests build their own private instances instead of resetting it.
var defaultStorage = NewMessageStorage(packet.LiveMaxPayloadSize, 1000)

// bufferedMessage is one retransmittable payload with its message-control
// header. The payload buffer is borrowed from a MessageStorage and handed
// back on release. Assignment between bufferedMessages moves the buffer; the
// moveTo method nulls the source, mirroring the destructive copy of the
// storage contract.
type bufferedMessage struct {
	ctrl    packet.MsgCtrl
	data    []byte
	size    int
	storage *MessageStorage
}

// copyFrom fills this message from buf. The length must have been checked
// against the storage's block size by the caller.
func (bm *bufferedMessage) copyFrom(buf []byte, ctrl packet.MsgCtrl, storage *MessageStorage) {
	bm.storage = storage
	bm.ctrl = ctrl
	bm.size = len(buf)
	bm.data = storage.Get()
	copy(bm.data, buf)
}

// moveTo transfers buffer ownership to dst and nulls this message.
func (bm *bufferedMessage) moveTo(dst *bufferedMessage) {
	dst.ctrl = bm.ctrl
	dst.data = bm.data
	dst.size = bm.size
	dst.storage = bm.storage

	bm.data = nil
	bm.size = 0
}

// release returns the payload buffer to its storage.
func (bm *bufferedMessage) release() {
	if bm.data != nil {
		bm.storage.Put(bm.data)
		bm.data = nil
		bm.size = 0
	}
}

// payload returns the live portion of the buffer.
func (bm *bufferedMessage) payload() []byte {
	return bm.data[:bm.size]
}
