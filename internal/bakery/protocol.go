package bakery

// pickTicket returns one more than the highest ticket held. Sentinel
// tickets are ignored; they are not real requests.
func pickTicket(b *Bakery) uint64 {
	var highest uint64
	for _, c := range b.Customers {
		if c.Ticket != Sentinel && c.Ticket > highest {
			highest = c.Ticket
		}
	}
	return highest + 1
}

// ticketAcked reports whether every other participant publishes ticket as
// its view of us.
func ticketAcked(b *Bakery, us string, ticket uint64) (bool, error) {
	return othersSee(b, us, ticket)
}

// releaseAcked reports whether every other participant has seen us go idle.
func releaseAcked(b *Bakery, us string) (bool, error) {
	return othersSee(b, us, 0)
}

func othersSee(b *Bakery, us string, want uint64) (bool, error) {
	for _, id := range b.IDs() {
		if id == us {
			continue
		}
		v, err := b.Customers[id].ViewOf(us)
		if err != nil {
			return false, err
		}
		if v != want {
			return false, nil
		}
	}
	return true, nil
}

// mayEnter evaluates the entry condition for us holding ticket. The lowest
// non-zero ticket among the others is found, ties going to the smaller id;
// we enter if there is none, if ours is strictly lower, or if it is equal
// and our id is smaller. Any participant still at Sentinel keeps entry
// closed.
func mayEnter(b *Bakery, us string, ticket uint64) bool {
	var (
		rival  string
		lowest uint64
		found  bool
	)
	for _, id := range b.IDs() {
		if id == us {
			continue
		}
		t := b.Customers[id].Ticket
		switch {
		case t == 0:
			continue
		case t == Sentinel:
			return false
		case !found || t < lowest:
			rival, lowest, found = id, t, true
		}
	}
	if !found {
		return true
	}
	if lowest == ticket {
		return us < rival
	}
	return lowest > ticket
}

// outputAcked reports whether every participant has acknowledged output.
func outputAcked(b *Bakery, output uint64) (bool, error) {
	for _, id := range b.IDs() {
		seen, err := b.Seen(id)
		if err != nil {
			return false, err
		}
		if seen != output {
			return false, nil
		}
	}
	return true, nil
}
