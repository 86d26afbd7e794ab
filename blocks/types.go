package blocks

// BlockSize is the size of the data unit used by the store.
const BlockSize int64 = 4096

// BlockIndex is the index of a block inside the database file. The master
// block lives at index 0, so 0 also serves as the null index for every
// structure rooted below it.
type BlockIndex uint64

// Hash represents a checksum of block or record data.
type Hash uint64
