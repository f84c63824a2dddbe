package ledger

// escrowABI is the subset of the escrow/registry contract's ABI the
// adapter needs: one view function per read operation, one function per
// write operation, and the events the poller decodes (spec.md §4.1).
// The contract's full surface (access control, upgrade hooks, etc.) is
// out of scope per spec.md §1 — the orchestrator only ever calls this
// narrow slice.
const escrowABI = `[
  {"type":"function","name":"getRequest","stateMutability":"view",
   "inputs":[{"name":"requestId","type":"uint256"}],
   "outputs":[
     {"name":"requester","type":"address"},
     {"name":"aidClass","type":"uint8"},
     {"name":"urgency","type":"uint8"},
     {"name":"latE7","type":"int64"},
     {"name":"lngE7","type":"int64"},
     {"name":"detailsDigest","type":"bytes32"},
     {"name":"status","type":"uint8"},
     {"name":"createdAt","type":"uint64"}
   ]},
  {"type":"function","name":"getUserRequests","stateMutability":"view",
   "inputs":[{"name":"addr","type":"address"}],
   "outputs":[{"name":"ids","type":"uint256[]"}]},
  {"type":"function","name":"getRequestCount","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"count","type":"uint256"}]},
  {"type":"function","name":"isIdentityVerified","stateMutability":"view",
   "inputs":[{"name":"addr","type":"address"}],
   "outputs":[{"name":"verified","type":"bool"}]},
  {"type":"function","name":"getPoolStats","stateMutability":"view",
   "inputs":[],
   "outputs":[
     {"name":"deposited","type":"uint256"},
     {"name":"escrowed","type":"uint256"},
     {"name":"paidOut","type":"uint256"},
     {"name":"available","type":"uint256"}
   ]},
  {"type":"function","name":"getApprovedFulfillers","stateMutability":"view",
   "inputs":[],
   "outputs":[
     {"name":"addresses","type":"address[]"},
     {"name":"classes","type":"uint8[]"}
   ]},

  {"type":"function","name":"submitVerification","stateMutability":"nonpayable",
   "inputs":[
     {"name":"requestId","type":"uint256"},
     {"name":"combinedHash","type":"bytes32"}
   ],"outputs":[]},
  {"type":"function","name":"submitConsensus","stateMutability":"nonpayable",
   "inputs":[
     {"name":"requestId","type":"uint256"},
     {"name":"approved","type":"bool"},
     {"name":"aidClass","type":"uint8"},
     {"name":"fulfillerClass","type":"uint8"},
     {"name":"cost","type":"uint256"},
     {"name":"nodeCount","type":"uint256"},
     {"name":"approvalCount","type":"uint256"},
     {"name":"transcriptHash","type":"bytes32"}
   ],"outputs":[]},
  {"type":"function","name":"assignFulfiller","stateMutability":"nonpayable",
   "inputs":[
     {"name":"requestId","type":"uint256"},
     {"name":"fulfiller","type":"address"}
   ],"outputs":[]},
  {"type":"function","name":"verifyDelivery","stateMutability":"nonpayable",
   "inputs":[
     {"name":"requestId","type":"uint256"},
     {"name":"verified","type":"bool"},
     {"name":"proofHash","type":"bytes32"}
   ],"outputs":[]},
  {"type":"function","name":"releasePayout","stateMutability":"nonpayable",
   "inputs":[{"name":"requestId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"timeoutRequest","stateMutability":"nonpayable",
   "inputs":[{"name":"requestId","type":"uint256"}],"outputs":[]},

  {"type":"event","name":"AidRequested","anonymous":false,
   "inputs":[
     {"name":"requestId","type":"uint256","indexed":true},
     {"name":"requester","type":"address","indexed":true}
   ]},
  {"type":"event","name":"VerificationSubmitted","anonymous":false,
   "inputs":[
     {"name":"requestId","type":"uint256","indexed":true},
     {"name":"gnssHash","type":"bytes32","indexed":false}
   ]},
  {"type":"event","name":"ConsensusSubmitted","anonymous":false,
   "inputs":[
     {"name":"requestId","type":"uint256","indexed":true},
     {"name":"approved","type":"bool","indexed":false}
   ]},
  {"type":"event","name":"FulfillerAssigned","anonymous":false,
   "inputs":[
     {"name":"requestId","type":"uint256","indexed":true},
     {"name":"fulfiller","type":"address","indexed":false}
   ]},
  {"type":"event","name":"DeliveryVerified","anonymous":false,
   "inputs":[
     {"name":"requestId","type":"uint256","indexed":true},
     {"name":"verified","type":"bool","indexed":false}
   ]},
  {"type":"event","name":"PayoutReleased","anonymous":false,
   "inputs":[
     {"name":"requestId","type":"uint256","indexed":true},
     {"name":"amount","type":"uint256","indexed":false}
   ]},
  {"type":"event","name":"RequestTimedOut","anonymous":false,
   "inputs":[{"name":"requestId","type":"uint256","indexed":true}]}
]`
