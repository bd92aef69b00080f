// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"math/rand"
)

var (
	// RTP spec recomned
	maxMisorder uint16 = 100
	maxDropout  uint16 = 3000
	maxSeqNum   uint16 = 65535
)

var (
	ErrRTPSequenceOutOfOrder = errors.New("out of order")
	ErrRTPSequenceBad        = errors.New("bad sequence")
	ErrRTPSequnceDuplicate   = errors.New("sequence duplicate")
)

// RTPExtendedSequenceNumber tracks sequence numbers of a stream. Not thread safe
type RTPExtendedSequenceNumber struct {
	seqNum           uint16 // highest sequence received/created
	wrapArroundCount uint16
	badSeq           uint16
	initialized      bool
	lost             uint64
}

// NewRTPSequencer starts with random sequence for sending
func NewRTPSequencer() RTPExtendedSequenceNumber {
	sn := RTPExtendedSequenceNumber{}
	sn.InitSeq(uint16(rand.Uint32()))
	return sn
}

func (sn *RTPExtendedSequenceNumber) InitSeq(seq uint16) {
	sn.seqNum = seq
	sn.badSeq = maxSeqNum
	sn.wrapArroundCount = 0
	sn.initialized = true
}

// UpdateSeq is receiver side update. Based on https://datatracker.ietf.org/doc/html/rfc3550#appendix-A.1
func (sn *RTPExtendedSequenceNumber) UpdateSeq(seq uint16) error {
	if !sn.initialized {
		sn.InitSeq(seq)
		return nil
	}
	maxSeq := sn.seqNum

	udelta := seq - maxSeq
	if udelta == 0 {
		return ErrRTPSequnceDuplicate
	}

	if udelta < maxDropout {
		if seq < maxSeq {
			sn.wrapArroundCount++
		}
		sn.lost += uint64(udelta - 1)
		sn.seqNum = seq
		return nil
	}

	if udelta <= maxSeqNum-maxMisorder {
		// sequence number made a very large jump. Two in row means stream restarted
		if seq == sn.badSeq {
			sn.InitSeq(seq)
			return nil
		}
		sn.badSeq = seq + 1
		return ErrRTPSequenceBad
	}
	return ErrRTPSequenceOutOfOrder
}

func (sn *RTPExtendedSequenceNumber) ReadExtendedSeq() uint64 {
	return uint64(sn.seqNum) + (uint64(maxSeqNum)+1)*uint64(sn.wrapArroundCount)
}

// Lost is number of sequence gaps seen
func (sn *RTPExtendedSequenceNumber) Lost() uint64 {
	return sn.lost
}

func (sn *RTPExtendedSequenceNumber) NextSeqNumber() uint16 {
	sn.seqNum++
	if sn.seqNum == 0 {
		sn.wrapArroundCount++
	}
	return sn.seqNum
}
