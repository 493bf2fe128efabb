package utils

// simple resource manager so that not too many checksum or drive jobs run at one time
type Resource struct {
	reserveChan chan chan int // callback channel will be payload
	tryChan     chan chan int // like reserve but answers -1 when full
	releaseChan chan int      // signals to release
	countChan   chan chan int // asks for the number of units in use
	signalChan  chan bool     // channel to kill the manager
	inUse       []bool        // state of in used
	max         int           // maximum number of units
}

func NewResource(concurrent int) *Resource {
	if concurrent < 1 {
		concurrent = 1
	}
	var resource Resource
	resource.max = concurrent
	resource.inUse = make([]bool, concurrent)
	resource.reserveChan = make(chan chan int)
	resource.tryChan = make(chan chan int)
	resource.releaseChan = make(chan int)
	resource.countChan = make(chan chan int)
	resource.signalChan = make(chan bool)

	// start the manager for this instance
	go resource.manager()

	return &resource
}

// the manager gives us resources if available
func (r *Resource) manager() {
	for {
		// a nil channel blocks so reserve requests wait until a release
		reserve := r.reserveChan
		if r.free() < 0 {
			reserve = nil
		}
		select {
		// release a resource
		case unit := <-r.releaseChan:
			if unit >= 0 && unit < r.max {
				r.inUse[unit] = false
			}

		// receive a reserve request
		case callback := <-reserve:
			unit := r.free()
			r.inUse[unit] = true
			callback <- unit

		// non blocking reserve
		case callback := <-r.tryChan:
			unit := r.free()
			if unit >= 0 {
				r.inUse[unit] = true
			}
			callback <- unit

		case callback := <-r.countChan:
			count := 0
			for _, used := range r.inUse {
				if used {
					count++
				}
			}
			callback <- count

		// receive signal to exit manager
		case <-r.signalChan:
			return
		}
	}
}

// first free unit or -1
func (r *Resource) free() int {
	for i, used := range r.inUse {
		if !used {
			return i
		}
	}
	return -1
}

// request a resource, blocks until one is free
func (r *Resource) Reserve() int {
	// create a callback channel
	callback := make(chan int)

	// send request with callback as argument
	r.reserveChan <- callback

	// wait for callback
	return <-callback
}

// TryReserve returns a unit or -1 when every unit is in use.
func (r *Resource) TryReserve() int {
	callback := make(chan int)
	r.tryChan <- callback
	return <-callback
}

// release a resource
func (r *Resource) Release(i int) {
	r.releaseChan <- i
}

// InUse reports how many units are reserved.
func (r *Resource) InUse() int {
	callback := make(chan int)
	r.countChan <- callback
	return <-callback
}
func (r *Resource) Max() int {
	return r.max
}

// stop the manager, the resource can't be used afterwards
func (r *Resource) Stop() {
	r.signalChan <- true
}
