package s3upload

// Key identifies one S3 multipart upload in progress, as a pair of bucket
// and object name.
//
// Ordering is a required contract: primary by object name length, secondary
// by object name lexicographic, tertiary by bucket name lexicographic. The
// length-first comparison clusters same-length keys together and must not be
// changed to plain lexicographic order: cross-version recovery tests depend
// on the drain order staying identical.
type Key struct {
	Bucket string
	Object string
}

// Less implements the ordering predicate described above.
func (k Key) Less(other Key) bool {
	if len(k.Object) != len(other.Object) {
		return len(k.Object) < len(other.Object)
	}
	if k.Object != other.Object {
		return k.Object < other.Object
	}
	return k.Bucket < other.Bucket
}
